package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultDiscoveryPort = 32228
	discoveryProbe       = "pvgwdiscovery1"
)

// DiscoveryResponder answers UDP discovery probes with the HTTP port of the
// gateway.
type DiscoveryResponder struct {
	addr     string
	port     int
	response []byte
	logger   log.FieldLogger
}

func NewDiscoveryResponder(addr string, port, httpPort int, logger log.FieldLogger) *DiscoveryResponder {
	return &DiscoveryResponder{
		addr:     addr,
		port:     port,
		response: []byte(fmt.Sprintf(`{"GatewayPort": %d}`, httpPort)),
		logger:   logger,
	}
}

// Run answers probes until ctx is done.
func (d *DiscoveryResponder) Run(ctx context.Context) error {
	deviceAddress, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, strconv.Itoa(d.port)))
	if err != nil {
		return fmt.Errorf("cannot resolve discovery address: %v", err)
	}

	rSock, err := net.ListenUDP("udp", deviceAddress)
	if err != nil {
		return fmt.Errorf("cannot bind receive socket: %v", err)
	}
	defer rSock.Close()

	// Replies leave from an ephemeral port on the same address.
	localAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, "0"))
	if err != nil {
		return err
	}
	tSock, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("cannot bind send socket: %v", err)
	}
	defer tSock.Close()

	d.logger.Debugf("Discovery responder started on %s", rSock.LocalAddr())
	return d.serve(ctx, rSock, tSock)
}

func (d *DiscoveryResponder) serve(ctx context.Context, rSock, tSock *net.UDPConn) error {
	buf := make([]byte, 1024)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Periodic deadline so that cancellation is noticed.
		rSock.SetReadDeadline(time.Now().Add(time.Second))

		n, addr, err := rSock.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.logger.Debugf("Error reading from socket: %v", err)
			continue
		}

		data := string(buf[:n])
		d.logger.Debugf("Received %s from %s", data, addr)

		if strings.Contains(data, discoveryProbe) {
			if _, err := tSock.WriteToUDP(d.response, addr); err != nil {
				d.logger.Errorf("Error writing to socket: %v", err)
			}
		}
	}
}
