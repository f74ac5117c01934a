package logging

import (
	"io"
	"os"
	"time"

	"github.com/gearloop/marketplace/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger based on configuration
func Setup(cfg *config.LoggingConfig, env string, service string) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer
	if cfg.Format == "json" || env == "production" {
		output = os.Stdout
	} else {
		// Pretty console output for development
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// NewLogger creates a new logger with additional context
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// RequestLogger is a Gin middleware for structured request logging
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		} else if c.Writer.Status() >= 400 {
			event = log.Warn()
		}

		event.
			Str("request_id", c.GetString("request_id")).
			Str("user_id", c.GetString("user_id")).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Int("body_size", c.Writer.Size()).
			Msg("HTTP request")
	}
}

// LogSaleTransition logs a sale state change attempt
func LogSaleTransition(saleID, productID, actorID, transition, outcome string) {
	event := log.Info()
	if outcome != "ok" {
		event = log.Warn()
	}
	event.
		Str("sale_id", saleID).
		Str("product_id", productID).
		Str("actor_id", actorID).
		Str("transition", transition).
		Str("outcome", outcome).
		Msg("Sale transition")
}

// LogReviewSubmitted logs a review submission
func LogReviewSubmitted(saleID, reviewerID string, rating int, first bool) {
	log.Info().
		Str("sale_id", saleID).
		Str("reviewer_id", reviewerID).
		Int("rating", rating).
		Bool("first_review", first).
		Msg("Review submitted")
}

// LogNotification logs the outcome of a notification delivery
func LogNotification(eventID, eventType, recipient, status string, err error) {
	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.
		Str("event_id", eventID).
		Str("event_type", eventType).
		Str("recipient", recipient).
		Str("status", status).
		Msg("Notification")
}

// LogSecurityEvent logs security-related events
func LogSecurityEvent(eventType, userID, clientIP, details string) {
	log.Warn().
		Str("event_type", eventType).
		Str("user_id", userID).
		Str("client_ip", clientIP).
		Str("details", details).
		Msg("Security event")
}

// LogError logs an error with context
func LogError(err error, requestID, component, operation string) {
	log.Error().
		Err(err).
		Str("request_id", requestID).
		Str("component", component).
		Str("operation", operation).
		Msg("Error occurred")
}

// SanitizeForLog truncates long strings before they reach the log
func SanitizeForLog(data string, maxLen int) string {
	if len(data) > maxLen {
		return data[:maxLen] + "...[truncated]"
	}
	return data
}
