package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/coachpo/marlin/internal/numeric"
	"github.com/coachpo/marlin/internal/schema"
)

// LoadCSV reads candles from a CSV file with columns
// time,open,high,low,close,volume. The time column accepts RFC3339 or unix
// milliseconds. A header row is skipped when present.
func LoadCSV(path, symbol, interval string) ([]schema.Kline, error) {
	f, err := os.Open(path) // #nosec G304 -- path is operator provided via CLI flags.
	if err != nil {
		return nil, fmt.Errorf("open candle file %s: %w", path, err)
	}
	defer f.Close()
	return ReadCandles(f, symbol, interval)
}

// ReadCandles parses candles from r; see LoadCSV for the format.
func ReadCandles(r io.Reader, symbol, interval string) ([]schema.Kline, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	var out []schema.Kline
	line := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read candles: %w", err)
		}
		line++
		if len(record) < 6 {
			return nil, fmt.Errorf("line %d: want 6 columns, got %d", line, len(record))
		}
		if line == 1 {
			if _, ok := numeric.Parse(record[1]); !ok {
				continue // header row
			}
		}
		ts, err := parseTime(record[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		k := schema.Kline{Symbol: symbol, Interval: interval, OpenTime: ts, CloseTime: ts}
		var ok bool
		if k.Open, ok = numeric.Parse(record[1]); !ok {
			return nil, fmt.Errorf("line %d: bad open %q", line, record[1])
		}
		if k.High, ok = numeric.Parse(record[2]); !ok {
			return nil, fmt.Errorf("line %d: bad high %q", line, record[2])
		}
		if k.Low, ok = numeric.Parse(record[3]); !ok {
			return nil, fmt.Errorf("line %d: bad low %q", line, record[3])
		}
		if k.Close, ok = numeric.Parse(record[4]); !ok {
			return nil, fmt.Errorf("line %d: bad close %q", line, record[4])
		}
		if k.Volume, ok = numeric.Parse(record[5]); !ok {
			return nil, fmt.Errorf("line %d: bad volume %q", line, record[5])
		}
		out = append(out, k)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no candles parsed")
	}
	return out, nil
}

func parseTime(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", raw)
	}
	return time.UnixMilli(ms).UTC(), nil
}
