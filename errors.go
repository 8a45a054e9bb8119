/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Domain errors are surfaced to the requesting client only, never
// broadcast, and never mutate state.
var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomFull           = errors.New("room is full")
	ErrPasswordRequired   = errors.New("password required")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrNotInRoom          = errors.New("not in room")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrGameNotActive      = errors.New("game is not active")
	ErrNotYourTurn        = errors.New("not your turn")
	ErrInvalidCoordinates = errors.New("coordinates out of bounds")
	ErrCellOccupied       = errors.New("cell already occupied")
	ErrNotFound           = errors.New("not found")
)

// errorCode maps a domain error to its wire code. Unexpected errors map
// to a generic code so internals never leak to clients.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "room-not-found"
	case errors.Is(err, ErrRoomFull):
		return "room-full"
	case errors.Is(err, ErrPasswordRequired):
		return "password-required"
	case errors.Is(err, ErrInvalidPassword):
		return "invalid-password"
	case errors.Is(err, ErrNotInRoom):
		return "not-in-room"
	case errors.Is(err, ErrInvalidMessage):
		return "invalid-message"
	case errors.Is(err, ErrGameNotActive):
		return "game-not-active"
	case errors.Is(err, ErrNotYourTurn):
		return "not-your-turn"
	case errors.Is(err, ErrInvalidCoordinates):
		return "invalid-coordinates"
	case errors.Is(err, ErrCellOccupied):
		return "cell-occupied"
	default:
		return "internal-error"
	}
}

var logger = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: logDate,
}).With().Timestamp().Logger()

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	logger.Info().Msgf(format, args...)
}

// logSecurity records admission-layer rejections regardless of verbosity.
func logSecurity(event, connID, detail string) {
	logger.Warn().
		Str("event", event).
		Str("connection", connID).
		Msg(detail)
}

func logError(context string, err error) {
	logger.Error().Err(err).Msg(context)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
