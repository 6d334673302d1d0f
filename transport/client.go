package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dreamsxin/crdtstore/codec"
)

// ErrRejected is returned when the peer replies with an explicit error
// command instead of an ack.
var ErrRejected = errors.New("transport: peer rejected request")

// ClientConfig configures a Client. Addr/Network identify the remote
// endpoint the Client's Pool dials. ConnectTimeout bounds each dial,
// KeepAliveTimeout bounds how long an idle pooled connection is reused, and
// RequestTimeout sets the deadline of the connection serving each request.
// ReadWriteTimeout is defaulted but not applied to any connection.
type ClientConfig struct {
	Network          string
	Addr             string
	Dialer           Dialer
	ConnectTimeout   time.Duration
	ReadWriteTimeout time.Duration
	KeepAliveTimeout time.Duration
	RequestTimeout   time.Duration
}

func (c *ClientConfig) setDefaults() {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.Dialer == nil {
		c.Dialer = NewNetDialer()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadWriteTimeout <= 0 {
		c.ReadWriteTimeout = 10 * time.Second
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = 2 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Client is the RPC stub for one remote partition: it satisfies
// cluster.PartitionStorage[K, S] (and, for the bare-key Remove path,
// storage.KeySink) purely by structural typing, so a *Client can be
// dropped straight into cluster.Config.Partitions next to local
// *storage.Store values.
type Client[K any, S any] struct {
	cfg   ClientConfig
	pool  *Pool
	codec codec.Codec[K, S]
	keys  codec.KeyCodec[K]
}

// NewClient constructs a Client dialing cfg.Addr on demand. recordCodec
// encodes/decodes K,S payloads; keyCodec encodes bare keys for the remove
// path. Both are supplied by the caller per spec.md §4.1/§9 — transport
// never reflects over K or S.
func NewClient[K any, S any](cfg ClientConfig, recordCodec codec.Codec[K, S], keyCodec codec.KeyCodec[K]) *Client[K, S] {
	cfg.setDefaults()
	return &Client[K, S]{
		cfg:   cfg,
		pool:  NewPool(cfg.Network, cfg.Addr, cfg.Dialer, cfg.ConnectTimeout, cfg.KeepAliveTimeout),
		codec: recordCodec,
		keys:  keyCodec,
	}
}

// Close drains the client's connection pool (see Pool.Close).
func (c *Client[K, S]) Close(ctx context.Context) error {
	return c.pool.Close(ctx)
}

// PoolInUse reports how many connections are currently checked out of the
// client's pool, for tests and diagnostics.
func (c *Client[K, S]) PoolInUse() int { return c.pool.InUse() }

// PoolIdle reports how many connections are sitting in the client's
// keep-alive set.
func (c *Client[K, S]) PoolIdle() int { return c.pool.Idle() }

func (c *Client[K, S]) deadline() time.Time {
	return time.Now().Add(c.cfg.RequestTimeout)
}

// open acquires a pooled connection, sends cmd as the request header, and
// returns buffered frame/command readers sharing one underlying
// bufio.Reader so the trailing ack/error command can be read after the
// record stream without losing already-buffered bytes.
func (c *Client[K, S]) open(ctx context.Context, cmd codec.Command) (id uint64, conn net.Conn, fw *codec.FrameWriter, fr *codec.FrameReader, cr *codec.CommandReader, err error) {
	id, conn, err = c.pool.acquire(ctx)
	if err != nil {
		return 0, nil, nil, nil, nil, err
	}
	if err = conn.SetDeadline(c.deadline()); err != nil {
		c.pool.release(id, false)
		return 0, nil, nil, nil, nil, err
	}
	if err = codec.NewCommandWriter(conn).WriteCommand(cmd); err != nil {
		c.pool.release(id, false)
		return 0, nil, nil, nil, nil, fmt.Errorf("transport: send request: %w", err)
	}
	br := bufio.NewReader(conn)
	return id, conn, codec.NewFrameWriter(conn), codec.NewFrameReader(br), codec.NewCommandReader(br), nil
}

// Upload opens an upload session against the remote partition.
func (c *Client[K, S]) Upload() UploadSink[K, S] {
	id, conn, fw, _, cr, err := c.open(context.Background(), codec.Command{Op: codec.OpUpload})
	if err != nil {
		return &uploadSession[K, S]{err: err}
	}
	return &uploadSession[K, S]{c: c, id: id, conn: conn, fw: fw, cr: cr}
}

// Download opens a download session against the remote partition, ts
// selecting the cutoff revision (nil means "everything").
func (c *Client[K, S]) Download(ts *int64) Source[K, S] {
	cmd := codec.Command{Op: codec.OpDownload}
	if ts != nil {
		cmd.HasRevision = true
		cmd.Revision = *ts
	}
	id, conn, _, fr, cr, err := c.open(context.Background(), cmd)
	if err != nil {
		return &downloadSource[K, S]{err: err}
	}
	return &downloadSource[K, S]{c: c, id: id, conn: conn, fr: fr, cr: cr}
}

// Remove opens a remove (tombstone) session against the remote partition.
func (c *Client[K, S]) Remove(ts int64) KeySink[K] {
	id, conn, fw, _, cr, err := c.open(context.Background(), codec.Command{Op: codec.OpRemove, Revision: ts})
	if err != nil {
		return &removeSession[K, S]{err: err}
	}
	return &removeSession[K, S]{c: c, id: id, conn: conn, fw: fw, cr: cr}
}

// UploadSink, KeySink and Source are package transport's local copies of
// the duck-typed upload/remove/download surface (mirroring package
// cluster's), so *Client satisfies cluster.PartitionStorage[K, S]
// structurally without importing package cluster.
type UploadSink[K any, S any] interface {
	Put(codec.Record[K, S]) error
	Close() error
}

type KeySink[K any] interface {
	Put(K) error
	Close() error
}

type Source[K any, S any] interface {
	Next() (codec.Record[K, S], bool)
}

type uploadSession[K any, S any] struct {
	c        *Client[K, S]
	id       uint64
	conn     net.Conn
	fw       *codec.FrameWriter
	cr       *codec.CommandReader
	err      error
	released bool
}

func (s *uploadSession[K, S]) Put(rec codec.Record[K, S]) error {
	if s.err != nil {
		return s.err
	}
	b, err := s.c.codec.Encode(rec)
	if err != nil {
		s.fail(err)
		return err
	}
	if err := s.fw.WriteFrame(b); err != nil {
		s.fail(fmt.Errorf("transport: write record: %w", err))
		return s.err
	}
	return nil
}

func (s *uploadSession[K, S]) Close() error {
	if s.err != nil {
		s.release(false)
		return s.err
	}
	if err := s.fw.WriteEndOfStream(); err != nil {
		s.fail(fmt.Errorf("transport: write end-of-stream: %w", err))
		return s.err
	}
	cmd, err := s.cr.ReadCommand()
	if err != nil {
		s.fail(fmt.Errorf("transport: read ack: %w", err))
		return s.err
	}
	if !cmd.IsAck() {
		s.release(true)
		if cmd.Error != "" {
			return fmt.Errorf("%w: %s", ErrRejected, cmd.Error)
		}
		return ErrRejected
	}
	s.release(true)
	return nil
}

func (s *uploadSession[K, S]) fail(err error) {
	s.err = err
	s.release(false)
}

func (s *uploadSession[K, S]) release(healthy bool) {
	if s.released || s.conn == nil {
		return
	}
	s.released = true
	s.c.pool.release(s.id, healthy)
}

type downloadSource[K any, S any] struct {
	c    *Client[K, S]
	id   uint64
	conn net.Conn
	fr   *codec.FrameReader
	cr   *codec.CommandReader
	err  error
	done bool
}

func (s *downloadSource[K, S]) Next() (codec.Record[K, S], bool) {
	if s.err != nil || s.done {
		return codec.Record[K, S]{}, false
	}
	payload, end, err := s.fr.ReadFrame()
	if err != nil {
		s.err = err
		s.finish(false)
		return codec.Record[K, S]{}, false
	}
	if end {
		s.finish(true)
		return codec.Record[K, S]{}, false
	}
	rec, err := s.c.codec.Decode(payload)
	if err != nil {
		s.err = err
		s.finish(false)
		return codec.Record[K, S]{}, false
	}
	return rec, true
}

// Err reports the failure, if any, that ended the stream early.
func (s *downloadSource[K, S]) Err() error { return s.err }

func (s *downloadSource[K, S]) finish(streamHealthy bool) {
	if s.done {
		return
	}
	s.done = true
	healthy := streamHealthy
	if healthy && s.conn != nil {
		cmd, err := s.cr.ReadCommand()
		if err != nil || !cmd.IsAck() {
			healthy = false
			if s.err == nil {
				if err != nil {
					s.err = fmt.Errorf("transport: read download ack: %w", err)
				} else if cmd.Error != "" {
					s.err = fmt.Errorf("%w: %s", ErrRejected, cmd.Error)
				} else {
					s.err = ErrRejected
				}
			}
		}
	}
	if s.conn != nil {
		s.c.pool.release(s.id, healthy)
	}
}

type removeSession[K any, S any] struct {
	c        *Client[K, S]
	id       uint64
	conn     net.Conn
	fw       *codec.FrameWriter
	cr       *codec.CommandReader
	err      error
	released bool
}

func (s *removeSession[K, S]) Put(key K) error {
	if s.err != nil {
		return s.err
	}
	b, err := s.c.keys.EncodeKey(key)
	if err != nil {
		s.fail(err)
		return err
	}
	if err := s.fw.WriteFrame(b); err != nil {
		s.fail(fmt.Errorf("transport: write key: %w", err))
		return s.err
	}
	return nil
}

func (s *removeSession[K, S]) Close() error {
	if s.err != nil {
		s.release(false)
		return s.err
	}
	if err := s.fw.WriteEndOfStream(); err != nil {
		s.fail(fmt.Errorf("transport: write end-of-stream: %w", err))
		return s.err
	}
	cmd, err := s.cr.ReadCommand()
	if err != nil {
		s.fail(fmt.Errorf("transport: read ack: %w", err))
		return s.err
	}
	if !cmd.IsAck() {
		s.release(true)
		if cmd.Error != "" {
			return fmt.Errorf("%w: %s", ErrRejected, cmd.Error)
		}
		return ErrRejected
	}
	s.release(true)
	return nil
}

func (s *removeSession[K, S]) fail(err error) {
	s.err = err
	s.release(false)
}

func (s *removeSession[K, S]) release(healthy bool) {
	if s.released || s.conn == nil {
		return
	}
	s.released = true
	s.c.pool.release(s.id, healthy)
}
