package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/batch"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/metrics"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/protocol"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/stream"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/transcript"
)

// StreamIngest is the part of the pipeline driven by datagram streams
type StreamIngest interface {
	OpenSession(language string) (*stream.Session, error)
	PushFrame(id string, data []byte) error
	CloseSession(ctx context.Context, id string) (transcript.Transcript, error)
	AbortSession(id string) error
}

// StreamResult is delivered once per UDP stream that reached its end packet
type StreamResult struct {
	StreamID   uint32
	SessionID  string
	Label      string
	Transcript transcript.Transcript
	Err        error
}

// UDPServerConfig contains UDP ingest configuration
type UDPServerConfig struct {
	Port         int
	Address      string
	BufferSize   int
	Workers      int
	QueueSize    int           // packets queued per worker
	CloseTimeout time.Duration // bound on finishing a stream after its end packet
	// OnResult receives every finished stream; when nil results are only logged
	OnResult func(StreamResult)
}

// UDPServer accepts TLV datagram streams and feeds them into streaming sessions.
// Packets of one stream are always handled by the same worker, in arrival order.
type UDPServer struct {
	conn    *net.UDPConn
	config  UDPServerConfig
	logger  *slog.Logger
	ingest  StreamIngest
	metrics *metrics.Metrics

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	tasks  sync.WaitGroup // stream closes and update drains

	// Packet processing
	shards []chan *incomingPacket

	mu      sync.Mutex
	streams map[uint32]*udpStream

	// Counters
	packetsReceived  atomic.Uint64
	packetsProcessed atomic.Uint64
	parseErrors      atomic.Uint64
	packetsDropped   atomic.Uint64
	latePackets      atomic.Uint64
	lostPackets      atomic.Uint64
}

// udpStream maps a sender stream id to its session
type udpStream struct {
	sessionID    string
	label        string
	nextSequence uint32
	remoteAddr   *net.UDPAddr
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
}

// NewUDPServer creates a new UDP server instance
func NewUDPServer(cfg UDPServerConfig, logger *slog.Logger, ingest StreamIngest, m *metrics.Metrics) *UDPServer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1000
	}
	if cfg.BufferSize < protocol.MaxPacketSize {
		cfg.BufferSize = protocol.MaxPacketSize
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	shards := make([]chan *incomingPacket, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan *incomingPacket, cfg.QueueSize)
	}

	return &UDPServer{
		config:  cfg,
		logger:  logger,
		ingest:  ingest,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		shards:  shards,
		streams: make(map[uint32]*udpStream),
	}
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.Address, s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("workers", len(s.shards)),
	)

	for i, shard := range s.shards {
		s.wg.Add(1)
		go s.packetProcessor(i, shard)
	}

	s.wg.Add(1)
	go s.receiveLoop()

	return nil
}

// Addr returns the bound address once started
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop stops receiving and drains queued packets. Streams still open are then
// ended as if their end packet had arrived, and Stop waits for every stream to
// finish or ctx to expire.
func (s *UDPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping UDP server...")

	s.cancel()
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}
	s.wg.Wait()

	// Workers are gone, so no stream can be opened behind this sweep
	s.mu.Lock()
	open := s.streams
	s.streams = make(map[uint32]*udpStream)
	s.mu.Unlock()
	if len(open) > 0 {
		s.logger.Info("Ending open UDP streams", slog.Int("streams", len(open)))
	}
	for streamID, st := range open {
		s.finishStream(ctx, streamID, st)
	}

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for UDP streams to finish: %w", ctx.Err())
	}

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("packets_dropped", stats.PacketsDropped),
	)
	return err
}

// receiveLoop is the main packet receiving loop
func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()
	defer func() {
		for _, shard := range s.shards {
			close(shard)
		}
	}()

	buffer := make([]byte, s.config.BufferSize)

	for {
		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}
		s.packetsReceived.Add(1)

		// The buffer is reused
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		header, err := protocol.ParseHeader(packetData)
		if err != nil {
			s.recordParseError(remoteAddr, n, err)
			continue
		}

		packet := &incomingPacket{data: packetData, remoteAddr: remoteAddr}
		select {
		case s.shards[header.StreamID%uint32(len(s.shards))] <- packet:
		default:
			s.packetsDropped.Add(1)
			s.metrics.RecordUDPPacket("dropped")
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Uint64("stream_id", uint64(header.StreamID)),
				slog.Int("packet_size", n),
			)
		}
	}
}

func (s *UDPServer) recordParseError(remoteAddr *net.UDPAddr, size int, err error) {
	s.parseErrors.Add(1)
	s.metrics.RecordUDPPacket("malformed")
	s.logger.Warn("Failed to parse packet",
		slog.String("remote_addr", remoteAddr.String()),
		slog.Int("packet_size", size),
		slog.String("error", err.Error()),
	)
}

// packetProcessor handles the packets of one shard
func (s *UDPServer) packetProcessor(workerID int, packets <-chan *incomingPacket) {
	defer s.wg.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))
	for packet := range packets {
		s.handlePacket(packet)
	}
	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

// handlePacket processes a single incoming packet
func (s *UDPServer) handlePacket(packet *incomingPacket) {
	parsed, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.recordParseError(packet.remoteAddr, len(packet.data), err)
		return
	}
	s.packetsProcessed.Add(1)

	switch parsed.Header.PacketType {
	case protocol.PacketTypeStart:
		s.metrics.RecordUDPPacket("start")
		s.processStartPacket(parsed.Header, parsed.Start, packet.remoteAddr)
	case protocol.PacketTypeAudio:
		s.metrics.RecordUDPPacket("audio")
		s.processAudioPacket(parsed.Header, parsed.Audio)
	case protocol.PacketTypeEnd:
		s.metrics.RecordUDPPacket("end")
		s.processEndPacket(parsed.Header)
	}
}

func (s *UDPServer) lookup(streamID uint32) (*udpStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	return st, ok
}

func (s *UDPServer) forget(streamID uint32) (*udpStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	delete(s.streams, streamID)
	return st, ok
}

// processStartPacket opens a session for a new stream. A repeated start for a
// live stream is ignored, since senders retransmit it.
func (s *UDPServer) processStartPacket(header *protocol.Header, payload *protocol.StartPayload, remoteAddr *net.UDPAddr) {
	if _, exists := s.lookup(header.StreamID); exists {
		s.logger.Debug("Duplicate start packet", slog.Uint64("stream_id", uint64(header.StreamID)))
		return
	}

	session, err := s.ingest.OpenSession(payload.GetLanguage())
	if err != nil {
		s.logger.Error("Failed to open session for stream",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.String("remote_addr", remoteAddr.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.streams[header.StreamID] = &udpStream{
		sessionID:  session.ID,
		label:      payload.GetLabel(),
		remoteAddr: remoteAddr,
	}
	s.mu.Unlock()

	// Updates must always be drained
	logger := s.logger.With(slog.Uint64("stream_id", uint64(header.StreamID)), slog.String("session_id", session.ID))
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		for u := range session.Updates() {
			switch u.Kind {
			case stream.UpdateError:
				logger.Warn("Stream chunk failed", slog.Uint64("sequence", u.Sequence), slog.Any("error", u.Err))
			default:
				logger.Debug("Stream update",
					slog.String("kind", u.Kind.String()),
					slog.Uint64("sequence", u.Sequence),
					slog.String("text", u.Text))
			}
		}
	}()

	logger.Info("UDP stream opened",
		slog.String("language", session.Language),
		slog.String("label", payload.GetLabel()),
		slog.String("remote_addr", remoteAddr.String()),
	)
}

// processAudioPacket routes audio to the stream's session. Late and duplicate
// packets are discarded; gaps are counted and skipped.
func (s *UDPServer) processAudioPacket(header *protocol.Header, payload *protocol.AudioPayload) {
	st, exists := s.lookup(header.StreamID)
	if !exists {
		s.logger.Debug("Audio packet for unknown stream",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
		)
		return
	}

	// Only this stream's worker touches its sequence state
	if payload.Sequence < st.nextSequence {
		s.latePackets.Add(1)
		return
	}
	if gap := payload.Sequence - st.nextSequence; gap > 0 {
		s.lostPackets.Add(uint64(gap))
		s.logger.Debug("Audio packets lost",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("expected", uint64(st.nextSequence)),
			slog.Uint64("received", uint64(payload.Sequence)),
		)
	}
	st.nextSequence = payload.Sequence + 1

	err := s.ingest.PushFrame(st.sessionID, payload.AudioData)
	switch {
	case err == nil:
	case errors.Is(err, batch.ErrCapacityExceeded):
		// Datagrams cannot be retransmitted on request, so a refused frame is lost
		s.logger.Warn("Stream audio over capacity",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Bool("discarded", errors.Is(err, stream.ErrBacklogFull)),
			slog.String("error", err.Error()),
		)
	default:
		s.forget(header.StreamID)
		s.logger.Warn("Stream session gone, forgetting stream",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.String("session_id", st.sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// processEndPacket ends a stream
func (s *UDPServer) processEndPacket(header *protocol.Header) {
	st, exists := s.forget(header.StreamID)
	if !exists {
		s.logger.Debug("End packet for unknown stream", slog.Uint64("stream_id", uint64(header.StreamID)))
		return
	}
	s.finishStream(context.Background(), header.StreamID, st)
}

// finishStream closes a forgotten stream's session in the background, bounded
// by parent and the close timeout, and reports the result
func (s *UDPServer) finishStream(parent context.Context, streamID uint32, st *udpStream) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()

		ctx, cancel := context.WithTimeout(parent, s.config.CloseTimeout)
		defer cancel()
		result, err := s.ingest.CloseSession(ctx, st.sessionID)

		logger := s.logger.With(slog.Uint64("stream_id", uint64(streamID)), slog.String("session_id", st.sessionID))
		if err != nil {
			logger.Error("UDP stream failed", slog.String("error", err.Error()))
		} else {
			logger.Info("UDP stream finished",
				slog.String("label", st.label),
				slog.Duration("duration", result.Duration),
				slog.Int("words", len(result.Words)),
				slog.String("text", result.Text),
			)
		}

		if s.config.OnResult != nil {
			s.config.OnResult(StreamResult{
				StreamID:   streamID,
				SessionID:  st.sessionID,
				Label:      st.label,
				Transcript: result,
				Err:        err,
			})
		}
	}()
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() UDPStatistics {
	s.mu.Lock()
	active := len(s.streams)
	s.mu.Unlock()

	var queued, capacity int
	for _, shard := range s.shards {
		queued += len(shard)
		capacity += cap(shard)
	}

	return UDPStatistics{
		PacketsReceived:  s.packetsReceived.Load(),
		PacketsProcessed: s.packetsProcessed.Load(),
		ParseErrors:      s.parseErrors.Load(),
		PacketsDropped:   s.packetsDropped.Load(),
		LatePackets:      s.latePackets.Load(),
		LostPackets:      s.lostPackets.Load(),
		ActiveStreams:    uint64(active),
		QueueSize:        uint64(queued),
		QueueCapacity:    uint64(capacity),
	}
}

// UDPStatistics represents UDP ingest counters
type UDPStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	ParseErrors      uint64 `json:"parse_errors"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	LatePackets      uint64 `json:"late_packets"`
	LostPackets      uint64 `json:"lost_packets"`
	ActiveStreams    uint64 `json:"active_streams"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}
