package main

import (
	"github.com/bigbag/canboot/internal/can"
	"github.com/bigbag/canboot/internal/config"
	"github.com/bigbag/canboot/internal/detect"
	"github.com/bigbag/canboot/internal/serial"
	"github.com/bigbag/canboot/internal/slcan"
	"github.com/bigbag/canboot/internal/socketcan"
)

// openTransport opens the configured bus. rxID is the identifier this side
// listens on; SocketCAN filters it in the kernel.
func openTransport(rxID uint32) (can.Transport, func(), error) {
	switch cfg.CAN.Transport {
	case config.TransportSLCAN:
		portName := cfg.CAN.Port
		if portName == "" {
			result, err := detect.DetectDevice(cfg.CAN.Baud)
			if err != nil {
				return nil, nil, err
			}
			portName = result.Port
			log.WithField("port", portName).WithField("version", result.Version).Info("Found SLCAN adapter")
		}

		port, err := serial.Open(portName, cfg.CAN.Baud)
		if err != nil {
			return nil, nil, err
		}
		tr := slcan.NewTransport(port, log)
		if err := tr.Open(cfg.CAN.Bitrate); err != nil {
			port.Close()
			return nil, nil, err
		}
		return tr, func() {
			tr.Close()
			port.Close()
		}, nil

	case config.TransportSocketCAN:
		conn, err := socketcan.Open(cfg.CAN.Interface, rxID)
		if err != nil {
			return nil, nil, err
		}
		log.WithField("interface", conn.Interface()).Debug("SocketCAN open")
		return conn, func() { conn.Close() }, nil

	default:
		// nothing is attached to the other end
		dev, host := can.Pipe(64)
		return dev, func() {
			dev.Close()
			host.Close()
		}, nil
	}
}
