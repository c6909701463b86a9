package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"

	"breachwatch/internal/queue"
)

// ErrDTLSCertRequired is returned when the listener is started without a
// certificate pair.
var ErrDTLSCertRequired = errors.New("dtls listener requires cert_file and key_file")

// DTLSConfig holds configuration for the scanner datagram listener.
type DTLSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	CertFile       string        `yaml:"cert_file"`
	KeyFile        string        `yaml:"key_file"`
	Workers        int           `yaml:"workers"`
	MaxMessageSize int           `yaml:"max_message_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// DefaultDTLSConfig returns the default listener configuration.
func DefaultDTLSConfig() DTLSConfig {
	return DTLSConfig{
		Enabled:        false,
		Address:        ":5516",
		Workers:        4,
		MaxMessageSize: 65535,
		IdleTimeout:    5 * time.Minute,
	}
}

// DTLSListener receives signal envelopes as encrypted UDP datagrams. Scanner
// agents in the field use it to report findings without a broker hop.
type DTLSListener struct {
	config   DTLSConfig
	decoder  *Decoder
	queue    *queue.RingBuffer
	logger   *slog.Logger
	listener net.Listener

	wg   sync.WaitGroup
	done chan struct{}

	connections uint64
	received    uint64
	queued      uint64
	rejected    uint64
	dropped     uint64
}

// NewDTLSListener creates a datagram listener for signal envelopes.
func NewDTLSListener(cfg DTLSConfig, decoder *Decoder, q *queue.RingBuffer, logger *slog.Logger) (*DTLSListener, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, ErrDTLSCertRequired
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 65535
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DTLSListener{
		config:  cfg,
		decoder: decoder,
		queue:   q,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start loads the certificate and begins accepting connections.
func (s *DTLSListener) Start(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load dtls certificate: %w", err)
	}

	dtlsConfig := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, 30*time.Second)
		},
	}

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	listener, err := dtls.Listen("udp", addr, dtlsConfig)
	if err != nil {
		return fmt.Errorf("failed to start dtls listener: %w", err)
	}
	s.listener = listener

	s.logger.Info("dtls signal listener started", "address", s.config.Address)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

func (s *DTLSListener) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	datagrams := make(chan []byte, s.config.Workers*100)

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(datagrams)
	}

	for {
		select {
		case <-ctx.Done():
			close(datagrams)
			return
		case <-s.done:
			close(datagrams)
			return
		default:
		}

		if dl, ok := s.listener.(interface{ SetDeadline(time.Time) error }); ok {
			dl.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				close(datagrams)
				return
			default:
				s.logger.Debug("dtls accept error", "error", err)
				continue
			}
		}

		atomic.AddUint64(&s.connections, 1)
		s.wg.Add(1)
		go s.handleConnection(ctx, conn, datagrams)
	}
}

func (s *DTLSListener) handleConnection(ctx context.Context, conn net.Conn, datagrams chan<- []byte) {
	defer s.wg.Done()
	defer conn.Close()

	buffer := make([]byte, s.config.MaxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		n, err := conn.Read(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Debug("dtls connection idle timeout", "remote", conn.RemoteAddr())
				return
			}
			s.logger.Debug("dtls read error", "error", err, "remote", conn.RemoteAddr())
			return
		}

		atomic.AddUint64(&s.received, 1)

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case datagrams <- data:
		default:
			atomic.AddUint64(&s.dropped, 1)
			s.logger.Debug("datagram channel full, dropping message")
		}
	}
}

func (s *DTLSListener) worker(datagrams <-chan []byte) {
	defer s.wg.Done()

	for data := range datagrams {
		sig, err := s.decoder.Decode(data)
		if err != nil {
			atomic.AddUint64(&s.rejected, 1)
			s.logger.Debug("rejected datagram", "error", err)
			continue
		}
		if err := s.queue.Push(sig); err != nil {
			atomic.AddUint64(&s.dropped, 1)
			continue
		}
		atomic.AddUint64(&s.queued, 1)
	}
}

// Stop shuts the listener down and waits for workers to drain.
func (s *DTLSListener) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()

	s.logger.Info("dtls signal listener stopped",
		"connections", atomic.LoadUint64(&s.connections),
		"received", atomic.LoadUint64(&s.received),
		"queued", atomic.LoadUint64(&s.queued),
	)
}

// Stats returns listener counters.
func (s *DTLSListener) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connections": atomic.LoadUint64(&s.connections),
		"received":    atomic.LoadUint64(&s.received),
		"queued":      atomic.LoadUint64(&s.queued),
		"rejected":    atomic.LoadUint64(&s.rejected),
		"dropped":     atomic.LoadUint64(&s.dropped),
	}
}
