package nats

import (
	"errors"
	"fmt"
	"time"

	"gemini-stealth-gateway/internal/core/config"
	"gemini-stealth-gateway/internal/shared/logs"

	natslib "github.com/nats-io/nats.go"
)

// Connect establishes a connection and returns it.
func Connect() (*natslib.Conn, error) {
	cfg := config.LoadConfig()

	retryCount := 5
	retryDelay := 5 * time.Second

	for i := 0; i < retryCount; i++ {
		conn, err := natslib.Connect(cfg.NATSURL, natslib.Timeout(retryDelay))
		if err == nil {
			i++
			message := fmt.Sprintf("Connected to NATS on attempt %d/%d", i, retryCount)
			logs.Info(message)
			return conn, nil
		}
		i++
		message := fmt.Sprintf("Failed to connect to NATS. Attempt %d/%d. Error: %v", i, retryCount, err.Error())
		logs.Error(message)
		time.Sleep(retryDelay)
	}

	message := fmt.Sprintf("Failed to connect to NATS after %d attempts. Exiting...", retryCount)
	return nil, errors.New(message)
}

// Cleanup drains and closes the provided NATS connection.
func Cleanup(conn *natslib.Conn) {
	if conn == nil {
		return
	}
	_ = conn.Drain()
	conn.Close()
}
