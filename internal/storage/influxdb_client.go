package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/sessionforge/orchestrator/pkg/logger"
)

// EventData is a generic event structure that doesn't depend on internal/events
type EventData struct {
	ID        string
	Type      string
	Timestamp time.Time
	Source    string
	SessionID string
	UserID    string
	Data      map[string]interface{}
}

// EventFilters for querying events
type EventFilters struct {
	Types     []string
	SessionID string
	UserID    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// InfluxDBClient manages the connection to InfluxDB for time-series event storage
type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	org      string
	bucket   string
}

// InfluxDBConfig holds InfluxDB connection configuration
type InfluxDBConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewInfluxDBClient creates a new InfluxDB client and verifies connectivity
func NewInfluxDBClient(config InfluxDBConfig) (*InfluxDBClient, error) {
	client := influxdb2.NewClient(config.URL, config.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	logger.Info("InfluxDB connection established", map[string]interface{}{
		"url":    config.URL,
		"org":    config.Org,
		"bucket": config.Bucket,
	})

	return &InfluxDBClient{
		client:   client,
		writeAPI: client.WriteAPI(config.Org, config.Bucket),
		queryAPI: client.QueryAPI(config.Org),
		org:      config.Org,
		bucket:   config.Bucket,
	}, nil
}

// WriteEvent writes an event to InfluxDB as a time-series point (non-blocking)
func (c *InfluxDBClient) WriteEvent(event EventData) error {
	p := influxdb2.NewPoint(
		"system_event",
		map[string]string{ // tags (indexed, for filtering)
			"event_id":   event.ID,
			"event_type": event.Type,
			"source":     event.Source,
			"session_id": event.SessionID,
			"user_id":    event.UserID,
		},
		event.Data, // fields (not indexed, for values)
		event.Timestamp,
	)
	c.writeAPI.WritePoint(p)
	return nil
}

// Flush ensures all pending writes are sent to InfluxDB
func (c *InfluxDBClient) Flush() {
	c.writeAPI.Flush()
}

// QueryEvents queries events from InfluxDB with filters
func (c *InfluxDBClient) QueryEvents(ctx context.Context, filters EventFilters) ([]EventData, error) {
	result, err := c.queryAPI.Query(ctx, c.buildFluxQuery(filters))
	if err != nil {
		return nil, fmt.Errorf("failed to query InfluxDB: %w", err)
	}

	var eventsList []EventData
	for result.Next() {
		record := result.Record()

		event := EventData{
			ID:        stringValue(record.ValueByKey("event_id")),
			Type:      stringValue(record.ValueByKey("event_type")),
			Timestamp: record.Time(),
			Source:    stringValue(record.ValueByKey("source")),
			SessionID: stringValue(record.ValueByKey("session_id")),
			UserID:    stringValue(record.ValueByKey("user_id")),
			Data:      make(map[string]interface{}),
		}

		for k, v := range record.Values() {
			switch k {
			case "_time", "_measurement", "event_id", "event_type", "source", "session_id", "user_id":
			default:
				event.Data[k] = v
			}
		}

		eventsList = append(eventsList, event)
		if filters.Limit > 0 && len(eventsList) >= filters.Limit {
			break
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("query parsing failed: %w", result.Err())
	}
	return eventsList, nil
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

// buildFluxQuery builds a Flux query from filters
func (c *InfluxDBClient) buildFluxQuery(filters EventFilters) string {
	query := fmt.Sprintf(`from(bucket: "%s")`, c.bucket)

	if !filters.StartTime.IsZero() {
		query += fmt.Sprintf("\n  |> range(start: %s", filters.StartTime.Format(time.RFC3339))
		if !filters.EndTime.IsZero() {
			query += fmt.Sprintf(", stop: %s", filters.EndTime.Format(time.RFC3339))
		}
		query += ")"
	} else {
		query += "\n  |> range(start: -24h)"
	}

	query += "\n  |> filter(fn: (r) => r._measurement == \"system_event\")"

	if len(filters.Types) > 0 {
		query += "\n  |> filter(fn: (r) => "
		for i, eventType := range filters.Types {
			if i > 0 {
				query += " or "
			}
			query += fmt.Sprintf(`r.event_type == "%s"`, eventType)
		}
		query += ")"
	}

	if filters.SessionID != "" {
		query += fmt.Sprintf("\n  |> filter(fn: (r) => r.session_id == \"%s\")", filters.SessionID)
	}
	if filters.UserID != "" {
		query += fmt.Sprintf("\n  |> filter(fn: (r) => r.user_id == \"%s\")", filters.UserID)
	}

	query += "\n  |> sort(columns: [\"_time\"], desc: true)"

	if filters.Limit > 0 {
		query += fmt.Sprintf("\n  |> limit(n: %d)", filters.Limit)
	}
	return query
}

// Close closes the InfluxDB client and flushes pending writes
func (c *InfluxDBClient) Close() {
	c.writeAPI.Flush()
	c.client.Close()
	logger.Info("InfluxDB client closed", nil)
}
