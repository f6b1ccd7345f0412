// Package discovery lets peers find a coordinator on the local network. The
// coordinator multicasts a small JSON announcement; a peer without a
// configured server listens for one and derives the coordinator URL.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/schollz/peerdiscovery"
)

// Service identifies fog announcements among other multicast traffic.
const Service = "fog-coordinator"

// ErrNotFound is returned when no coordinator announced itself in time.
var ErrNotFound = errors.New("no coordinator found on the local network")

// Announcement is the multicast payload sent by a coordinator.
type Announcement struct {
	Service string `json:"service"`
	Port    int    `json:"port"`
	Version string `json:"version,omitempty"`
}

// Config configures announcing and locating.
type Config struct {
	Port     int           // UDP multicast port
	Interval time.Duration // delay between announcements (default: 1s)
	Timeout  time.Duration // how long Locate listens (default: 10s)
}

func (c Config) settings() peerdiscovery.Settings {
	delay := c.Interval
	if delay <= 0 {
		delay = time.Second
	}
	return peerdiscovery.Settings{
		Port:      strconv.Itoa(c.Port),
		Delay:     delay,
		IPVersion: peerdiscovery.IPv4,
	}
}

// Encode renders the announcement payload.
func (a Announcement) Encode() []byte {
	data, _ := json.Marshal(a)
	return data
}

// ParseAnnouncement decodes a payload, rejecting anything that is not a fog
// coordinator announcement.
func ParseAnnouncement(payload []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(payload, &a); err != nil {
		return a, fmt.Errorf("decode announcement: %w", err)
	}
	if a.Service != Service {
		return a, fmt.Errorf("not a fog announcement: service %q", a.Service)
	}
	if a.Port <= 0 || a.Port > 65535 {
		return a, fmt.Errorf("announcement has invalid port %d", a.Port)
	}
	return a, nil
}

// CoordinatorURL builds the coordinator base URL from the announcing host
// and its payload.
func CoordinatorURL(address string, payload []byte) (string, error) {
	a, err := ParseAnnouncement(payload)
	if err != nil {
		return "", err
	}
	if host, _, err := net.SplitHostPort(address); err == nil {
		address = host
	}
	return "http://" + net.JoinHostPort(address, strconv.Itoa(a.Port)) + "/", nil
}

// Announce multicasts a until ctx is done.
func Announce(ctx context.Context, cfg Config, a Announcement) error {
	a.Service = Service

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	s := cfg.settings()
	s.Limit = -1
	s.TimeLimit = -1
	s.Payload = a.Encode()
	s.StopChan = stop

	log.Info().Int("port", cfg.Port).Int("service_port", a.Port).Msg("announcing coordinator on local network")
	if _, err := peerdiscovery.Discover(s); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	return nil
}

// Locate listens for a coordinator announcement and returns its base URL.
func Locate(ctx context.Context, cfg Config) (string, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var (
		once  sync.Once
		mu    sync.Mutex
		found string
	)
	stop := make(chan struct{})
	halt := func() { once.Do(func() { close(stop) }) }

	go func() {
		select {
		case <-ctx.Done():
			halt()
		case <-stop:
		}
	}()

	s := cfg.settings()
	s.Limit = -1
	s.TimeLimit = timeout
	s.DisableBroadcast = true
	s.StopChan = stop
	s.Notify = func(d peerdiscovery.Discovered) {
		url, err := CoordinatorURL(d.Address, d.Payload)
		if err != nil {
			log.Debug().Err(err).Str("host", d.Address).Msg("ignoring multicast payload")
			return
		}
		mu.Lock()
		if found == "" {
			found = url
		}
		mu.Unlock()
		halt()
	}

	_, err := peerdiscovery.Discover(s)
	halt()
	if err != nil {
		return "", fmt.Errorf("locate: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if found == "" {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", ErrNotFound
	}
	log.Info().Str("server", found).Msg("coordinator discovered")
	return found, nil
}
