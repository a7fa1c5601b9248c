// Package detect finds SLCAN adapters among the serial ports.
package detect

import (
	"fmt"

	"github.com/bigbag/canboot/internal/serial"
	"github.com/bigbag/canboot/internal/slcan"
)

// Result represents a detected adapter.
type Result struct {
	Port    string
	Version string
}

// probeAttempts is how many times the version request is repeated; the first
// one often only flushes a partial command left in the adapter.
const probeAttempts = 3

// DetectDevice returns the first port with an SLCAN adapter on it.
func DetectDevice(baudRate int) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no SLCAN adapter found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no SLCAN adapter found")
}

// DetectOnPort checks for an adapter on a specific port.
func DetectOnPort(portName string, baudRate int) (*Result, error) {
	return tryPort(portName, baudRate)
}

// ListDevices scans all ports and returns every adapter that answered.
func ListDevices(baudRate int) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func tryPort(portName string, baudRate int) (*Result, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	return probe(port, portName)
}

// probe asks the adapter behind port for its firmware version.
func probe(port slcan.Port, portName string) (*Result, error) {
	tr := slcan.NewTransport(port, nil)

	var lastErr error
	for attempt := 0; attempt < probeAttempts; attempt++ {
		version, err := tr.Version()
		if err == nil {
			return &Result{Port: portName, Version: version}, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no answer on %s after %d attempts: %w", portName, probeAttempts, lastErr)
}
