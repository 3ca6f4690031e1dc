package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/estate-session/devserver"
	"github.com/jrsteele09/estate-session/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("error running dev auth server")
	}
	log.Info().Msg("server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c, err := config.New()
	if err != nil {
		return err
	}
	if c.IsProduction() {
		return errors.New("the dev auth server does not run with ESTATE_ENV=production")
	}
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	displayAppname(c.GetAppName() + " auth")

	handler, err := devserver.New(devserver.WithServiceIDs(c.GetAuthServiceID()))
	if err != nil {
		return fmt.Errorf("devserver.New: %w", err)
	}
	if label, secret := os.Getenv("ESTATE_DEV_LABEL"), os.Getenv("ESTATE_DEV_SECRET"); label != "" && secret != "" {
		if _, err := handler.Register(label, secret); err != nil {
			return fmt.Errorf("seed account %s: %w", label, err)
		}
		log.Info().Str("label", label).Msg("seeded account")
	}

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(c.GetServicePort()),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- listenAndServe(server, c.GetAuthServiceID()) }()

	select {
	case err := <-errCh:
		return err
	case <-waitForStopSignal():
	}
	return shutdown(server)
}

func listenAndServe(server *http.Server, serviceID string) error {
	log.Info().Str("addr", server.Addr).Str("serviceId", serviceID).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
