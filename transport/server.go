package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dreamsxin/crdtstore/codec"
)

// LocalUploadSink, LocalKeySink and LocalSource mirror the duck-typed
// upload/remove/download surface package storage and package cluster
// expose, so *storage.Store and *cluster.ClusterStore both satisfy
// LocalStorage without this package importing either.
type LocalUploadSink[K any, S any] interface {
	Put(codec.Record[K, S]) error
	Close() error
}

type LocalKeySink[K any] interface {
	Put(K) error
	Close() error
}

type LocalSource[K any, S any] interface {
	Next() (codec.Record[K, S], bool)
}

// LocalStorage is what a Server dispatches accepted connections into.
type LocalStorage[K any, S any] interface {
	Upload() LocalUploadSink[K, S]
	Download(ts *int64) LocalSource[K, S]
	Remove(ts int64) LocalKeySink[K]
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Network          string
	Addr             string
	ReadWriteTimeout time.Duration
	Logger           log.Logger
	Registerer       prometheus.Registerer
}

func (c *ServerConfig) setDefaults() {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.ReadWriteTimeout <= 0 {
		c.ReadWriteTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
}

type serverMetrics struct {
	accepted  prometheus.Counter
	rejected  *prometheus.CounterVec
	malformed prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &serverMetrics{
		accepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "transport_server_connections_accepted",
			Help: "transport_server_connections_accepted counts accepted peer connections.",
		}),
		rejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "transport_server_requests_rejected",
			Help: "transport_server_requests_rejected counts requests answered with an error command, by op.",
		}, []string{"op"}),
		malformed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "transport_server_malformed_requests",
			Help: "transport_server_malformed_requests counts connections torn down on a framing error.",
		}),
	}
}

// Server accepts peer RPC connections and dispatches each one to Local,
// per SPEC_FULL.md's transport/ package-layout entry ("peer RPC
// client+server over the C1 framing"). One Server instance handles one
// (K, S) type pair; a node with several partitions under one wire codec
// runs a single Server wired to a LocalStorage that itself routes by
// partition (e.g. a *cluster.ClusterStore or a *storage.Store).
type Server[K any, S any] struct {
	cfg     ServerConfig
	local   LocalStorage[K, S]
	codec   codec.Codec[K, S]
	keys    codec.KeyCodec[K]
	metrics *serverMetrics

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closing  bool
}

// NewServer constructs a Server. Call Serve to accept connections.
func NewServer[K any, S any](cfg ServerConfig, local LocalStorage[K, S], recordCodec codec.Codec[K, S], keyCodec codec.KeyCodec[K]) *Server[K, S] {
	cfg.setDefaults()
	return &Server[K, S]{
		cfg:     cfg,
		local:   local,
		codec:   recordCodec,
		keys:    keyCodec,
		metrics: newServerMetrics(cfg.Registerer),
	}
}

// Serve listens on cfg.Addr and accepts connections until ctx is done or
// Stop is called, whichever comes first.
func (s *Server[K, S]) Serve(ctx context.Context) error {
	ln, err := net.Listen(s.cfg.Network, s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		s.metrics.accepted.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Addr returns the listener's bound address, or nil before Serve has
// started listening.
func (s *Server[K, S]) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener; in-flight connections are allowed to finish
// their current request.
func (s *Server[K, S]) Stop() {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

func (s *Server[K, S]) handleConn(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	cr := codec.NewCommandReader(br)
	cw := codec.NewCommandWriter(conn)

	for {
		if s.cfg.ReadWriteTimeout > 0 {
			conn.SetDeadline(time.Now().Add(s.cfg.ReadWriteTimeout))
		}
		if _, err := br.Peek(1); err != nil {
			return // peer closed the connection cleanly between requests
		}
		cmd, err := cr.ReadCommand()
		if err != nil {
			if !errors.Is(err, codec.ErrMalformed) {
				return // I/O failure while reading the command
			}
			s.metrics.malformed.Inc()
			level.Warn(s.cfg.Logger).Log("msg", "transport: malformed request", "err", err)
			return
		}

		fr := codec.NewFrameReader(br)
		var handleErr error
		switch cmd.Op {
		case codec.OpUpload:
			handleErr = s.handleUpload(fr)
		case codec.OpDownload:
			var ts *int64
			if cmd.HasRevision {
				v := cmd.Revision
				ts = &v
			}
			handleErr = s.handleDownload(conn, ts)
		case codec.OpRemove:
			handleErr = s.handleRemove(fr, cmd.Revision)
		default:
			handleErr = fmt.Errorf("transport: unknown op %q", cmd.Op)
		}

		if handleErr != nil {
			s.metrics.rejected.WithLabelValues(cmd.Op).Inc()
			level.Warn(s.cfg.Logger).Log("msg", "transport: request failed", "op", cmd.Op, "err", handleErr)
			if cmd.Op != codec.OpDownload {
				cw.WriteCommand(codec.ErrorCommand(handleErr.Error()))
			}
			return
		}
		if cmd.Op != codec.OpDownload {
			if err := cw.WriteCommand(codec.AckCommand()); err != nil {
				return
			}
		}
	}
}

func (s *Server[K, S]) handleUpload(fr *codec.FrameReader) error {
	sink := s.local.Upload()
	err := fr.ReadAll(func(payload []byte) error {
		rec, err := s.codec.Decode(payload)
		if err != nil {
			return err
		}
		return sink.Put(rec)
	})
	if err != nil {
		sink.Close()
		return err
	}
	return sink.Close()
}

func (s *Server[K, S]) handleRemove(fr *codec.FrameReader, ts int64) error {
	sink := s.local.Remove(ts)
	err := fr.ReadAll(func(payload []byte) error {
		key, err := s.keys.DecodeKey(payload)
		if err != nil {
			return err
		}
		return sink.Put(key)
	})
	if err != nil {
		sink.Close()
		return err
	}
	return sink.Close()
}

// handleDownload streams records then writes its own trailing ack/error
// command directly (download has no request-side frames to read, so it
// doesn't go through the ack path the caller loop uses for upload/remove).
func (s *Server[K, S]) handleDownload(conn net.Conn, ts *int64) error {
	src := s.local.Download(ts)
	fw := codec.NewFrameWriter(conn)
	cw := codec.NewCommandWriter(conn)
	for {
		rec, ok := src.Next()
		if !ok {
			break
		}
		b, err := s.codec.Encode(rec)
		if err != nil {
			fw.WriteEndOfStream()
			cw.WriteCommand(codec.ErrorCommand(err.Error()))
			return err
		}
		if err := fw.WriteFrame(b); err != nil {
			return err
		}
	}
	if err := fw.WriteEndOfStream(); err != nil {
		return err
	}
	return cw.WriteCommand(codec.AckCommand())
}
