// Package sqlite archives emitted window summaries so operators can
// query detection history after the Slack messages scroll away.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/streamgazer/detection.report/internal/vi"
	"github.com/streamgazer/detection.report/internal/vi/aggregate"
)

type SummaryStore struct {
	*sql.DB
}

// NewSummaryStore opens (creating if needed) the summary archive at path.
func NewSummaryStore(path string) (*SummaryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS vi_summaries (
			summary_id        TEXT PRIMARY KEY,
			app               TEXT,
			stream            TEXT,
			window_start      TEXT,
			window_end        TEXT,
			duration_secs     DOUBLE,
			total_detections  BIGINT,
			unique_count      BIGINT,
			frames_processed  BIGINT,
			peak_occupancy    BIGINT,
			avg_occupancy     DOUBLE,
			detection_rate    DOUBLE,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS vi_summary_classes (
			summary_id        TEXT,
			position          BIGINT,
			name              TEXT,
			count             BIGINT,
			min_confidence    DOUBLE,
			max_confidence    DOUBLE,
			avg_confidence    DOUBLE,
			FOREIGN KEY(summary_id) REFERENCES vi_summaries(summary_id)
		);
		CREATE INDEX IF NOT EXISTS idx_vi_summaries_created
			ON vi_summaries(created_at);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SummaryStore{db}, nil
}

// RecordSummary archives one summary and its class rows.
func (s *SummaryStore) RecordSummary(sum *aggregate.Summary) error {
	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO vi_summaries (
			summary_id, app, stream, window_start, window_end,
			duration_secs, total_detections, unique_count,
			frames_processed, peak_occupancy, avg_occupancy, detection_rate
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.SummaryID,
		sum.App,
		sum.Stream,
		sum.WindowStart.UTC().Format(time.RFC3339Nano),
		sum.WindowEnd.UTC().Format(time.RFC3339Nano),
		sum.DurationSecs,
		sum.TotalDetections,
		sum.UniqueCount,
		sum.FramesProcessed,
		sum.PeakOccupancy,
		sum.AvgOccupancy,
		sum.DetectionRate,
	)
	if err != nil {
		return fmt.Errorf("failed to insert summary: %w", err)
	}

	for i, c := range sum.Classes {
		_, err = tx.Exec(`
			INSERT INTO vi_summary_classes (
				summary_id, position, name, count,
				min_confidence, max_confidence, avg_confidence
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sum.SummaryID, i, c.Name, c.Count,
			c.MinConfidence, c.MaxConfidence, c.AvgConfidence,
		)
		if err != nil {
			return fmt.Errorf("failed to insert class row: %w", err)
		}
	}

	return tx.Commit()
}

// ListSummaries returns summaries archived within the last N days,
// newest first, with their class rows attached.
func (s *SummaryStore) ListSummaries(days int) ([]*aggregate.Summary, error) {
	if days < 1 {
		days = 1
	}

	rows, err := s.Query(`
		SELECT summary_id, app, stream, window_start, window_end,
		       duration_secs, total_detections, unique_count,
		       frames_processed, peak_occupancy, avg_occupancy, detection_rate
		FROM vi_summaries
		WHERE created_at >= datetime('now', ?)
		ORDER BY created_at DESC`,
		fmt.Sprintf("-%d days", days),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	summaries := []*aggregate.Summary{}
	for rows.Next() {
		var sum aggregate.Summary
		var windowStart, windowEnd string
		err := rows.Scan(
			&sum.SummaryID, &sum.App, &sum.Stream,
			&windowStart, &windowEnd,
			&sum.DurationSecs, &sum.TotalDetections, &sum.UniqueCount,
			&sum.FramesProcessed, &sum.PeakOccupancy, &sum.AvgOccupancy,
			&sum.DetectionRate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		sum.WindowStart, _ = time.Parse(time.RFC3339Nano, windowStart)
		sum.WindowEnd, _ = time.Parse(time.RFC3339Nano, windowEnd)
		summaries = append(summaries, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sum := range summaries {
		classes, err := s.listClasses(sum.SummaryID)
		if err != nil {
			return nil, err
		}
		sum.Classes = classes
	}

	return summaries, nil
}

func (s *SummaryStore) listClasses(summaryID string) ([]aggregate.ClassStat, error) {
	rows, err := s.Query(`
		SELECT name, count, min_confidence, max_confidence, avg_confidence
		FROM vi_summary_classes
		WHERE summary_id = ?
		ORDER BY position`,
		summaryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query class rows: %w", err)
	}
	defer rows.Close()

	var classes []aggregate.ClassStat
	for rows.Next() {
		var c aggregate.ClassStat
		if err := rows.Scan(&c.Name, &c.Count, &c.MinConfidence, &c.MaxConfidence, &c.AvgConfidence); err != nil {
			return nil, fmt.Errorf("failed to scan class row: %w", err)
		}
		classes = append(classes, c)
	}
	return classes, rows.Err()
}

// Deliver archives one flushed summary. This satisfies the batch
// deliverer contract so the store can sit behind the batcher alongside
// the notifier.
func (s *SummaryStore) Deliver(key vi.StreamKey, sum *aggregate.Summary) error {
	return s.RecordSummary(sum)
}
