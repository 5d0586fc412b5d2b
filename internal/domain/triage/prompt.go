package triage

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var errUnparseable = errors.New("unparseable classifier response")

const systemPrompt = `You are an emergency department triage assistant. Assess the case and answer with a single JSON object and nothing else:
{"priority": "critical|high|medium|low", "specialty": "<department in lowercase>", "reasoning": "<one or two sentences>", "confidence": <number between 0 and 1>}
Priority guide: critical = life-threatening, needs immediate care; high = urgent, within 15 minutes; medium = semi-urgent, within 30 minutes; low = can wait an hour or more.`

// buildPrompt renders the user turn. Only clinical text goes in; patient
// identifiers never leave the process.
func buildPrompt(symptoms, history string) string {
	var b strings.Builder
	b.WriteString("Symptoms: ")
	b.WriteString(strings.TrimSpace(symptoms))
	b.WriteString("\nMedical history: ")
	if h := strings.TrimSpace(history); h != "" {
		b.WriteString(h)
	} else {
		b.WriteString("none reported")
	}
	b.WriteString("\n\nClassify this case.")
	return b.String()
}

type rawClassification struct {
	Priority   string          `json:"priority"`
	Specialty  string          `json:"specialty"`
	Reasoning  string          `json:"reasoning"`
	Confidence json.RawMessage `json:"confidence"`
}

// parseResponse accepts a JSON object (bare, fenced or embedded in prose) or
// the labelled-line format text-generation models tend to produce.
func parseResponse(raw string, source Source) (ClassificationResult, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ClassificationResult{}, errUnparseable
	}
	if obj := extractJSONObject(text); obj != "" {
		var rc rawClassification
		if err := json.Unmarshal([]byte(obj), &rc); err == nil && rc.Priority != "" {
			conf, err := parseConfidence(strings.Trim(string(rc.Confidence), `"`))
			if err != nil {
				return ClassificationResult{}, err
			}
			return newResult(rc.Priority, rc.Specialty, rc.Reasoning, conf, source)
		}
	}
	return parseLabelled(text, source)
}

// extractJSONObject strips markdown fences and returns the outermost {...}.
func extractJSONObject(text string) string {
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

var (
	priorityLine   = regexp.MustCompile(`(?im)^\W*priority(?:\s+level)?\s*[:\-]\s*\**\s*([a-z]+)`)
	specialtyLine  = regexp.MustCompile(`(?im)^\W*(?:required\s+)?specialty\s*[:\-]\s*\**\s*([a-z][a-z /&-]*)`)
	reasoningLine  = regexp.MustCompile(`(?im)^\W*(?:clinical\s+)?reasoning\s*[:\-]\s*(.+)$`)
	confidenceLine = regexp.MustCompile(`(?im)^\W*confidence(?:\s+score)?\s*[:\-]\s*\**\s*([0-9.]+%?)`)
)

func parseLabelled(text string, source Source) (ClassificationResult, error) {
	pm := priorityLine.FindStringSubmatch(text)
	if pm == nil {
		return ClassificationResult{}, errUnparseable
	}
	var specialty, reasoning string
	if m := specialtyLine.FindStringSubmatch(text); m != nil {
		specialty = m[1]
	}
	if m := reasoningLine.FindStringSubmatch(text); m != nil {
		reasoning = m[1]
	}
	conf := 0.0
	if m := confidenceLine.FindStringSubmatch(text); m != nil {
		c, err := parseConfidence(m[1])
		if err != nil {
			return ClassificationResult{}, err
		}
		conf = c
	}
	return newResult(pm[1], specialty, reasoning, conf, source)
}

// parseConfidence reads 0.8 or 80%. A missing value is treated as zero.
func parseConfidence(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return 0, nil
	}
	pct := strings.HasSuffix(s, "%")
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: confidence %q", errUnparseable, s)
	}
	if pct {
		v /= 100
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("%w: confidence %v out of range", errUnparseable, v)
	}
	return v, nil
}

func newResult(priority, specialty, reasoning string, confidence float64, source Source) (ClassificationResult, error) {
	p, err := ParsePriority(priority)
	if err != nil {
		return ClassificationResult{}, fmt.Errorf("%w: %v", errUnparseable, err)
	}
	spec := strings.ToLower(strings.TrimSpace(specialty))
	if spec == "" {
		spec = "general"
	}
	return ClassificationResult{
		Priority:   p,
		Specialty:  spec,
		Confidence: confidence,
		Reasoning:  strings.TrimSpace(reasoning),
		Source:     source,
	}, nil
}
