// Package metrics reads evaluation scores from training logs and
// aggregates them across repeated runs.
//
// The trainer reports one summary line per evaluation pass:
//
//	>> |epoch: 3| overall: total = 277 accuracy = 80.1444
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"sort"
	"strconv"
)

var (
	overallLine = regexp.MustCompile(`\|epoch:\s*(-?\d+)\|\s*overall:\s*total\s*=\s*([0-9.eE+-]+)(.*)$`)
	scorePair   = regexp.MustCompile(`([A-Za-z0-9_./-]+)\s*=\s*([-+]?(?:[0-9]*\.?[0-9]+(?:[eE][-+]?[0-9]+)?|nan|inf))`)
)

type EpochScore struct {
	Epoch  int                `json:"epoch"`
	Total  float64            `json:"total"`
	Scores map[string]float64 `json:"scores"`
}

type Summary struct {
	Epochs []EpochScore `json:"epochs"`
	// Final is the last evaluation pass in the log, nil when none was found.
	Final *EpochScore        `json:"final,omitempty"`
	Best  map[string]float64 `json:"best,omitempty"`
}

func (s *Summary) Empty() bool {
	return s == nil || len(s.Epochs) == 0
}

// ParseLine extracts the overall scores of one log line.
func ParseLine(line string) (EpochScore, bool) {
	m := overallLine.FindStringSubmatch(line)
	if m == nil {
		return EpochScore{}, false
	}

	epoch, err := strconv.Atoi(m[1])
	if err != nil {
		return EpochScore{}, false
	}
	total, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return EpochScore{}, false
	}

	score := EpochScore{Epoch: epoch, Total: total, Scores: make(map[string]float64)}
	for _, pair := range scorePair.FindAllStringSubmatch(m[3], -1) {
		v, err := strconv.ParseFloat(pair[2], 64)
		// non-finite scores cannot be encoded as JSON
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		score.Scores[pair[1]] = v
	}
	return score, true
}

func Parse(r io.Reader) (*Summary, error) {
	summary := &Summary{Best: make(map[string]float64)}

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 8*1024*1024)

	for scanner.Scan() {
		score, ok := ParseLine(scanner.Text())
		if !ok {
			continue
		}
		summary.Epochs = append(summary.Epochs, score)
		for k, v := range score.Scores {
			if best, seen := summary.Best[k]; !seen || v > best {
				summary.Best[k] = v
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}

	if n := len(summary.Epochs); n > 0 {
		final := summary.Epochs[n-1]
		summary.Final = &final
	}
	return summary, nil
}

func ParseFile(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

type Stat struct {
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Aggregate combines the final scores of several runs per metric. Std is
// the population standard deviation. Runs without scores are skipped.
func Aggregate(summaries []*Summary) map[string]Stat {
	values := make(map[string][]float64)
	for _, s := range summaries {
		if s.Empty() || s.Final == nil {
			continue
		}
		for k, v := range s.Final.Scores {
			values[k] = append(values[k], v)
		}
	}

	stats := make(map[string]Stat, len(values))
	for k, vs := range values {
		stat := Stat{Min: vs[0], Max: vs[0], Count: len(vs)}
		sum := 0.0
		for _, v := range vs {
			sum += v
			stat.Min = math.Min(stat.Min, v)
			stat.Max = math.Max(stat.Max, v)
		}
		stat.Mean = sum / float64(len(vs))

		sq := 0.0
		for _, v := range vs {
			sq += (v - stat.Mean) * (v - stat.Mean)
		}
		stat.Std = math.Sqrt(sq / float64(len(vs)))
		stats[k] = stat
	}
	return stats
}

// Names returns metric names in sorted order.
func Names(stats map[string]Stat) []string {
	names := make([]string, 0, len(stats))
	for k := range stats {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
