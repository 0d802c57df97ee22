package metrics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// ErrEmptyPayload is returned when a scrape yields no exposition text.
// A healthy shim always reports at least its own process metrics, so
// an empty body means the scrape did not really succeed.
var ErrEmptyPayload = errors.New("metrics: empty scrape payload")

// Collected is the parsed form of one sandbox's scraped payload,
// immutable once stored for a cycle.
type Collected struct {
	// Families maps metric family name to its parsed samples.
	Families map[string]*dto.MetricFamily

	// ScrapedAt is when the payload was fetched.
	ScrapedAt time.Time
}

// Parse decodes a Prometheus text exposition payload. Malformed input
// yields an error, never a partial result.
func Parse(payload []byte) (*Collected, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, ErrEmptyPayload
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decode exposition text: %w", err)
	}

	return &Collected{
		Families:  families,
		ScrapedAt: time.Now(),
	}, nil
}

// Render writes the families back out in text exposition format, in
// stable name order. Used when cAdvisor conversion is not possible and
// the raw guest metrics are served instead.
func (c *Collected) Render(w io.Writer) error {
	names := make([]string, 0, len(c.Families))
	for name := range c.Families {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := expfmt.MetricFamilyToText(w, c.Families[name]); err != nil {
			return fmt.Errorf("encode family %s: %w", name, err)
		}
	}
	return nil
}
