package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Reply-recovery regexes. The upstream wraps its JSON in prose or code
// fences, or truncates it mid-string, non-trivially often — no single
// failure mode is terminal.
var (
	fenceOpenRe  = regexp.MustCompile("(?m)^```(?:json)?\\s*")
	fenceCloseRe = regexp.MustCompile("(?m)\\s*```\\s*$")
	arrayRe      = regexp.MustCompile(`(?s)\[\s*\{.*?\}\s*\]`)
	trailCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

	// Partial-object extraction: {"index": N, "response": "text… possibly cut off.
	partialItemRe = regexp.MustCompile(`(?s)\{"index"\s*:\s*(\d+)\s*,\s*"response"\s*:\s*"([^"]*(?:\\.[^"]*)*)`)

	// Line-oriented "Index N:" / "Index N -" markers, optionally echoing the
	// request_id the combined prompt included.
	indexMarkerRe = regexp.MustCompile(`(?i)Index\s+(\d+)(?:\s*\(request_id:\s*[^)]+\))?\s*[:\-]\s*`)
)

// parseBatchReply extracts an index → answer map from the raw upstream reply.
// Strategies are applied in order, stopping at the first that yields a valid
// JSON array; a total failure falls through to manual extraction. Indices
// outside [0, expected) are dropped; duplicates are last-write-wins.
func parseBatchReply(raw string, expected int, requestIDs []string, log *slog.Logger) map[int]string {
	if strings.TrimSpace(raw) == "" {
		log.Error("empty reply from upstream")
		return nil
	}

	text := strings.TrimSpace(raw)

	// Strategy 1: strip a surrounding markdown code fence.
	if strings.HasPrefix(text, "```") {
		text = fenceOpenRe.ReplaceAllString(text, "")
		text = fenceCloseRe.ReplaceAllString(text, "")
		text = strings.TrimSpace(text)
	}

	// Strategy 2: pull the first JSON array out of any wrapping prose.
	if m := arrayRe.FindString(text); m != "" {
		text = m
	}

	// Strategy 3: drop trailing commas before closing brackets.
	text = trailCommaRe.ReplaceAllString(text, "$1")

	// Strategy 4: close a truncated payload so it parses.
	if !strings.HasSuffix(text, "]") {
		log.Warn("reply appears truncated, attempting to close JSON")
		if countUnescapedQuotes(text)%2 != 0 {
			text += `"`
		}
		if strings.Contains(text, "{") && !strings.HasSuffix(strings.TrimRight(text, " \t\r\n"), "}") {
			text += "}"
		}
		if strings.Contains(text, "[") && !strings.HasSuffix(strings.TrimRight(text, " \t\r\n"), "]") {
			text += "]"
		}
	}

	var items []any
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		log.Error("reply JSON parse failed",
			slog.String("error", err.Error()),
			slog.String("payload", truncateForLog(text, 1000)),
		)
		return manualExtraction(raw, expected, log)
	}

	out := make(map[int]string, expected)
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			log.Warn("skipping non-object reply element")
			continue
		}
		idx, ok := coerceIndex(obj["index"])
		if !ok {
			log.Warn("reply element missing 'index' field")
			continue
		}
		resp, ok := obj["response"]
		if !ok || resp == nil {
			log.Warn("reply element missing 'response' field", slog.Int("index", idx))
			continue
		}
		if idx < 0 || idx >= expected {
			continue
		}
		out[idx] = strings.TrimSpace(coerceString(resp))
	}

	if missing := missingIndices(out, expected); len(missing) > 0 {
		log.Warn("reply missing positions",
			slog.Any("indices", missing),
			slog.Any("request_ids", idsFor(missing, requestIDs)),
		)
	}
	return out
}

// manualExtraction recovers what it can from a reply no JSON strategy could
// parse. First it scans for partial {"index":N,"response":"… objects, then
// for line-oriented "Index N: text" blocks.
func manualExtraction(raw string, expected int, log *slog.Logger) map[int]string {
	log.Info("attempting manual reply extraction")
	out := make(map[int]string, expected)

	for _, m := range partialItemRe.FindAllStringSubmatch(raw, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 0 || idx >= expected {
			continue
		}
		resp := strings.TrimSpace(unescapeJSON(m[2]))
		if resp != "" {
			out[idx] = resp
		}
	}

	if len(out) == 0 {
		for idx, body := range indexMarkerBlocks(raw) {
			if idx < 0 || idx >= expected {
				continue
			}
			resp := strings.TrimSpace(strings.ReplaceAll(body, "\n", " "))
			if resp != "" {
				out[idx] = resp
			}
		}
	}

	if len(out) == 0 {
		log.Error("manual extraction found no answers")
	} else {
		log.Info("manual extraction recovered answers", slog.Int("count", len(out)))
	}
	return out
}

// indexMarkerBlocks slices the text between successive "Index N:" markers
// and maps each index to the body that follows its marker.
func indexMarkerBlocks(text string) map[int]string {
	locs := indexMarkerRe.FindAllStringSubmatchIndex(text, -1)
	out := make(map[int]string, len(locs))
	for i, loc := range locs {
		idx, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err != nil {
			continue
		}
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		out[idx] = text[loc[1]:end]
	}
	return out
}

// countUnescapedQuotes counts double quotes not preceded by a backslash.
func countUnescapedQuotes(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '"' && (i == 0 || s[i-1] != '\\') {
			n++
		}
	}
	return n
}

func unescapeJSON(s string) string {
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

func coerceIndex(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	default:
		return 0, false
	}
}

func coerceString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func missingIndices(got map[int]string, expected int) []int {
	var missing []int
	for i := 0; i < expected; i++ {
		if _, ok := got[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

func idsFor(indices []int, requestIDs []string) []string {
	ids := make([]string, 0, len(indices))
	for _, i := range indices {
		if i < len(requestIDs) {
			ids = append(ids, requestIDs[i])
		}
	}
	return ids
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
