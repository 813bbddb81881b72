package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is used when a serial link is configured without one.
const DefaultBaudRate = 115200

func serialMode(baudRate int) *serial.Mode {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	return &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// OpenSerial opens a point-to-point serial link.
func OpenSerial(portName string, baudRate int) (serial.Port, error) {
	port, err := serial.Open(portName, serialMode(baudRate))
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", portName, err)
	}
	// USB CDC ACM adapters only pass data with DTR/RTS asserted.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	return port, nil
}

// ServeSerial serves the single peer on a serial port. When the link drops
// the port is reopened with exponential backoff until ctx is cancelled.
func ServeSerial(ctx context.Context, portName string, baudRate int, serve ServeFunc, logger *slog.Logger) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		port, err := OpenSerial(portName, baudRate)
		if err == nil {
			logger.Info("serial link open", "port", portName, "baud", serialMode(baudRate).BaudRate)
			backoff = 100 * time.Millisecond
			serve(ctx, port)
			port.Close()
			logger.Warn("serial link closed", "port", portName)
		} else {
			logger.Error("serial open", "port", portName, "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// SerialPorts lists the serial ports present on the system.
func SerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list serial ports: %w", err)
	}
	return ports, nil
}
