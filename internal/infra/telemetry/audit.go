package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
)

// ParseEventKind accepts the snake_case kinds and their legacy PascalCase
// spellings (ToolExecution, OauthTokenRefresh). Anything else is rejected.
func ParseEventKind(value string) (domain.EventKind, error) {
	value = strings.TrimSpace(value)
	if kind := domain.EventKind(value); domain.KnownEventKind(kind) {
		return kind, nil
	}
	if kind := domain.EventKind(strcase.ToSnake(value)); domain.KnownEventKind(kind) && strcase.ToCamel(string(kind)) == value {
		return kind, nil
	}
	return "", fmt.Errorf("unknown audit event kind %q", value)
}

func stampEvent(event domain.AuditEvent) domain.AuditEvent {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = domain.SeverityInfo
	}
	return event
}

// LogAuditSink writes audit events to a zap logger.
type LogAuditSink struct {
	logger *zap.Logger
}

func NewLogAuditSink(logger *zap.Logger) *LogAuditSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAuditSink{logger: logger.Named("audit")}
}

func (s *LogAuditSink) Emit(event domain.AuditEvent) {
	event = stampEvent(event)
	fields := []zap.Field{
		zap.String("audit_id", event.ID),
		zap.String("kind", string(event.Kind)),
		zap.String(FieldSeverity, string(event.Severity)),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.UserID != "" {
		fields = append(fields, UserIDField(event.UserID))
	}
	if event.ToolName != "" {
		fields = append(fields, ToolField(event.ToolName))
	}
	if event.Outcome != "" {
		fields = append(fields, zap.String("outcome", event.Outcome))
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}
	switch event.Severity {
	case domain.SeverityDebug:
		s.logger.Debug(event.Message, fields...)
	case domain.SeverityWarning:
		s.logger.Warn(event.Message, fields...)
	case domain.SeverityError, domain.SeverityCritical:
		s.logger.Error(event.Message, fields...)
	default:
		s.logger.Info(event.Message, fields...)
	}
}

const (
	auditBufferSize   = 4096
	auditDrainTimeout = 2 * time.Second
	auditSendTimeout  = 5 * time.Second
)

// ClickHouseAuditSink batch-inserts audit events. Emit never blocks: a full
// buffer hands the event to the log sink instead.
type ClickHouseAuditSink struct {
	conn      driver.Conn
	buffer    chan domain.AuditEvent
	batchSize int
	interval  time.Duration
	fallback  *LogAuditSink
	logger    *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
	flushed   chan struct{}
}

// AuditOptions configures NewAuditSink.
type AuditOptions struct {
	ClickHouseDSN string
	BatchSize     int
	FlushInterval time.Duration
	Logger        *zap.Logger
}

// NewAuditSink returns a ClickHouse sink when a DSN is configured and
// reachable, else the log sink. The returned close func flushes pending events.
func NewAuditSink(ctx context.Context, opts AuditOptions) (domain.AuditSink, func()) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logSink := NewLogAuditSink(logger)
	if strings.TrimSpace(opts.ClickHouseDSN) == "" {
		return logSink, func() {}
	}
	sink, err := newClickHouseAuditSink(ctx, opts, logSink, logger)
	if err != nil {
		logger.Warn("clickhouse audit sink unavailable, using log sink", zap.Error(err))
		return logSink, func() {}
	}
	return sink, sink.Close
}

func newClickHouseAuditSink(ctx context.Context, opts AuditOptions, fallback *LogAuditSink, logger *zap.Logger) (*ClickHouseAuditSink, error) {
	chOpts, err := clickhouse.ParseDSN(opts.ClickHouseDSN)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, auditSendTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(pingCtx, auditTableDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	s := &ClickHouseAuditSink{
		conn:      conn,
		buffer:    make(chan domain.AuditEvent, auditBufferSize),
		batchSize: batchSize,
		interval:  interval,
		fallback:  fallback,
		logger:    logger.Named("audit"),
		done:      make(chan struct{}),
		flushed:   make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

const auditTableDDL = `
CREATE TABLE IF NOT EXISTS audit_events (
	id String,
	timestamp DateTime64(3),
	kind LowCardinality(String),
	severity LowCardinality(String),
	user_id String,
	tool_name String,
	outcome String,
	message String,
	details Map(String, String)
) ENGINE = MergeTree ORDER BY (timestamp, kind)`

func (s *ClickHouseAuditSink) Emit(event domain.AuditEvent) {
	event = stampEvent(event)
	select {
	case s.buffer <- event:
	default:
		s.fallback.Emit(event)
	}
}

// Close drains the buffer and closes the connection.
func (s *ClickHouseAuditSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.flushed
		_ = s.conn.Close()
	})
}

func (s *ClickHouseAuditSink) flushLoop() {
	defer close(s.flushed)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	batch := make([]domain.AuditEvent, 0, s.batchSize)
	for {
		select {
		case event := <-s.buffer:
			batch = append(batch, event)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			deadline := time.After(auditDrainTimeout)
		drain:
			for {
				select {
				case event := <-s.buffer:
					batch = append(batch, event)
				case <-deadline:
					break drain
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *ClickHouseAuditSink) flush(events []domain.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), auditSendTimeout)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO audit_events (id, timestamp, kind, severity, user_id, tool_name, outcome, message, details)`)
	if err != nil {
		s.logger.Error("audit prepare batch failed", zap.Error(err))
		s.spill(events)
		return
	}
	for _, e := range events {
		details := e.Details
		if details == nil {
			details = map[string]string{}
		}
		if err := batch.Append(e.ID, e.Timestamp, string(e.Kind), string(e.Severity), e.UserID, e.ToolName, e.Outcome, e.Message, details); err != nil {
			s.logger.Error("audit append failed", zap.String("audit_id", e.ID), zap.Error(err))
		}
	}
	if err := batch.Send(); err != nil {
		s.logger.Error("audit batch send failed", zap.Int("batch_size", len(events)), zap.Error(err))
		s.spill(events)
	}
}

func (s *ClickHouseAuditSink) spill(events []domain.AuditEvent) {
	for _, e := range events {
		s.fallback.Emit(e)
	}
}
