package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"dcabot/internal/config"
	"dcabot/internal/execution"
)

// EventType 表示履约事件类型。
type EventType string

const (
	EventScheduleLoaded EventType = "schedule_loaded"
	EventFiringStarted  EventType = "firing_started"
	EventTransition     EventType = "transition"
	EventOutcome        EventType = "outcome"
	EventError          EventType = "error"
)

// Event 封装单条履约事件。
type Event struct {
	ID        int64                  `json:"id,omitempty"`
	Type      EventType              `json:"type"`
	JobID     string                 `json:"job_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// Journal 把履约过程事件持久化到 SQLite，供事后查询。
// 结构化日志仍是权威审计记录，Journal 只是查询友好的补充。
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ execution.Observer = (*Journal)(nil)

// Open 根据配置初始化事件库。
func Open(cfg config.JournalConfig, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := cfg.Path
	if cfg.InMemory {
		dsn = ":memory:"
	} else {
		if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn))
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 数据库失败: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("设置 SQLite WAL 模式失败: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("设置 SQLite 同步级别失败: %w", err)
	}

	j := &Journal{db: conn, logger: logger}
	if err := j.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return j, nil
}

func (j *Journal) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS fulfillment_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	job_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fulfillment_events_type ON fulfillment_events(event_type);
CREATE INDEX IF NOT EXISTS idx_fulfillment_events_job ON fulfillment_events(job_id);
`
	if _, err := j.db.Exec(stmt); err != nil {
		return fmt.Errorf("journal: 初始化表失败: %w", err)
	}
	return nil
}

// Close 关闭数据库连接。
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record 写入单条事件。
func (j *Journal) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("journal: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO fulfillment_events (event_type, job_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.JobID, string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("journal: 写入事件失败: %w", err)
	}

	return nil
}

// ListEvents 按时间倒序返回事件，typ 为空时不过滤。
func (j *Journal) ListEvents(ctx context.Context, typ EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT id, event_type, job_id, payload, created_at FROM fulfillment_events`
	args := make([]interface{}, 0, 2)
	if typ != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: 查询事件失败: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event      Event
			eventType  string
			rawPayload string
			createdAt  string
		)
		if err := rows.Scan(&event.ID, &eventType, &event.JobID, &rawPayload, &createdAt); err != nil {
			return nil, fmt.Errorf("journal: 读取事件失败: %w", err)
		}
		event.Type = EventType(eventType)
		if ts, parseErr := time.Parse(time.RFC3339, createdAt); parseErr == nil {
			event.Timestamp = ts
		}
		if err := json.Unmarshal([]byte(rawPayload), &event.Payload); err != nil {
			event.Payload = map[string]interface{}{"raw": rawPayload}
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// RecordScheduleLoaded 记录计划加载结果。
func (j *Journal) RecordScheduleLoaded(path string, jobs int) {
	j.record(Event{
		Type: EventScheduleLoaded,
		Payload: map[string]interface{}{
			"path": path,
			"jobs": jobs,
		},
	})
}

// FiringStarted 实现 execution.Observer。
func (j *Journal) FiringStarted(jobID string) {
	j.record(Event{
		Type:    EventFiringStarted,
		JobID:   jobID,
		Payload: map[string]interface{}{},
	})
}

// Transition 实现 execution.Observer。
func (j *Journal) Transition(jobID, state string, fields map[string]interface{}) {
	payload := map[string]interface{}{"state": state}
	for k, v := range fields {
		payload[k] = v
	}
	j.record(Event{
		Type:    EventTransition,
		JobID:   jobID,
		Payload: payload,
	})
}

// Outcome 实现 execution.Observer。
func (j *Journal) Outcome(jobID, outcome string, fields map[string]interface{}) {
	payload := map[string]interface{}{"outcome": outcome}
	for k, v := range fields {
		payload[k] = v
	}
	j.record(Event{
		Type:    EventOutcome,
		JobID:   jobID,
		Payload: payload,
	})
}

func (j *Journal) record(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := j.Record(ctx, event); err != nil {
		j.logger.Warn("记录履约事件失败", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("创建目录 %q 失败: %w", path, err)
	}
	return nil
}
