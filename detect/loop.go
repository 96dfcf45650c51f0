// Package detect implements the agent runtime's loop and diminishing-
// returns detectors: LoopDetector flags an agent stuck repeating,
// oscillating, or semantically rephrasing its own output, and
// CostPerInsightTracker flags an agent that keeps spending tokens for
// shrinking marginal insight.
package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// LoopType classifies which strategy flagged a loop.
type LoopType string

const (
	LoopExactRepeat      LoopType = "exact_repeat"
	LoopSemantic         LoopType = "semantic_loop"
	LoopOscillation      LoopType = "oscillation"
	LoopLengthStagnation LoopType = "length_stagnation"
)

// Result is the outcome of a single LoopDetector.Check call.
type Result struct {
	IsLoop     bool
	Confidence float64
	Type       LoopType
	Suggestion string
}

func (r Result) String() string {
	if !r.IsLoop {
		return "No loop detected"
	}
	return fmt.Sprintf("Loop detected (%s, confidence=%.2f): %s", r.Type, r.Confidence, r.Suggestion)
}

func noLoop() Result { return Result{} }

// LoopDetector compares an agent's recent outputs using four strategies,
// checked in a fixed order: exact hash repeat, oscillation, Jaccard
// semantic similarity, then length stagnation.
//
// The ordering is asymmetric by construction, carried over unchanged from
// the Python original: the current output is recorded into history
// *before* the oscillation check runs (so oscillation can see it) but
// *after* the exact-repeat check runs (so exact-repeat compares only
// against prior outputs). Similarity and length-stagnation both run after
// recording and therefore see the current output in their own history.
type LoopDetector struct {
	WindowSize             int
	SimilarityThreshold    float64
	HashThreshold          int
	LengthStagnationWindow int

	recentOutputs []string
	outputHashes  []string
	outputLengths []int
}

// NewLoopDetector builds a LoopDetector with original_source's defaults:
// window_size=10, similarity_threshold=0.85, hash_threshold=3,
// length_stagnation_window=5.
func NewLoopDetector() *LoopDetector {
	return &LoopDetector{
		WindowSize:             10,
		SimilarityThreshold:    0.85,
		HashThreshold:          3,
		LengthStagnationWindow: 5,
	}
}

func hashOutput(output string) string {
	sum := sha256.Sum256([]byte(output))
	return hex.EncodeToString(sum[:])[:16]
}

// Check runs all four strategies against output and returns the first
// match, or a zero-value non-loop Result if none fire.
func (d *LoopDetector) Check(output string) Result {
	outputHash := hashOutput(output)

	if result, ok := d.checkExactRepeat(outputHash); ok {
		d.record(output, outputHash)
		return result
	}

	d.record(output, outputHash)
	if result, ok := d.checkOscillation(); ok {
		return result
	}

	if result, ok := d.checkSimilarity(output); ok {
		return result
	}

	if result, ok := d.checkLengthStagnation(); ok {
		return result
	}

	return noLoop()
}

func (d *LoopDetector) record(output, outputHash string) {
	maxOutputs := d.WindowSize
	maxHashes := d.WindowSize * 2

	d.recentOutputs = append(d.recentOutputs, output)
	if len(d.recentOutputs) > maxOutputs {
		d.recentOutputs = d.recentOutputs[len(d.recentOutputs)-maxOutputs:]
	}

	d.outputHashes = append(d.outputHashes, outputHash)
	if len(d.outputHashes) > maxHashes {
		d.outputHashes = d.outputHashes[len(d.outputHashes)-maxHashes:]
	}

	d.outputLengths = append(d.outputLengths, len(output))
	if len(d.outputLengths) > maxOutputs {
		d.outputLengths = d.outputLengths[len(d.outputLengths)-maxOutputs:]
	}
}

func (d *LoopDetector) checkExactRepeat(outputHash string) (Result, bool) {
	hashCount := 0
	for _, h := range d.outputHashes {
		if h == outputHash {
			hashCount++
		}
	}
	if hashCount >= d.HashThreshold {
		confidence := float64(hashCount) / float64(d.HashThreshold+2)
		if confidence > 1.0 {
			confidence = 1.0
		}
		return Result{
			IsLoop:     true,
			Confidence: confidence,
			Type:       LoopExactRepeat,
			Suggestion: fmt.Sprintf(
				"Agent has produced the exact same output %d times. "+
					"Consider changing the prompt, increasing temperature, or terminating.",
				hashCount+1,
			),
		}, true
	}
	return Result{}, false
}

// checkSimilarity assumes the current output has already been recorded,
// so it compares against every entry except the last.
func (d *LoopDetector) checkSimilarity(output string) (Result, bool) {
	if len(d.recentOutputs) < 2 {
		return Result{}, false
	}

	currentTokens := tokenSet(output)
	if len(currentTokens) == 0 {
		return Result{}, false
	}

	previous := d.recentOutputs[:len(d.recentOutputs)-1]

	maxSimilarity := 0.0
	similarCount := 0
	for _, prevOutput := range previous {
		prevTokens := tokenSet(prevOutput)
		if len(prevTokens) == 0 {
			continue
		}
		similarity := jaccard(currentTokens, prevTokens)
		if similarity > maxSimilarity {
			maxSimilarity = similarity
		}
		if similarity >= d.SimilarityThreshold {
			similarCount++
		}
	}

	if similarCount >= 2 {
		confidence := maxSimilarity * (float64(similarCount) / float64(len(previous)))
		if confidence > 1.0 {
			confidence = 1.0
		}
		return Result{
			IsLoop:     true,
			Confidence: confidence,
			Type:       LoopSemantic,
			Suggestion: fmt.Sprintf(
				"Agent outputs are highly similar (Jaccard=%.2f, %d similar in window). "+
					"The agent may be rephrasing the same response. "+
					"Consider injecting new context or terminating.",
				maxSimilarity, similarCount,
			),
		}, true
	}
	return Result{}, false
}

func (d *LoopDetector) checkOscillation() (Result, bool) {
	hashes := d.outputHashes
	if len(hashes) < 4 {
		return Result{}, false
	}

	recent := hashes
	if len(hashes) >= 6 {
		recent = hashes[len(hashes)-6:]
	}

	if len(recent) >= 4 {
		period2 := true
		for i := 0; i <= len(recent)-3; i++ {
			if recent[i] != recent[i+2] {
				period2 = false
				break
			}
		}
		if period2 && recent[len(recent)-1] != recent[len(recent)-2] {
			return Result{
				IsLoop:     true,
				Confidence: 0.9,
				Type:       LoopOscillation,
				Suggestion: "Agent is oscillating between two states (A-B-A-B pattern). " +
					"This typically indicates conflicting instructions or tool results. " +
					"Consider adding a tie-breaking instruction or terminating.",
			}, true
		}
	}

	if len(recent) >= 6 {
		period3 := true
		for i := 0; i <= len(recent)-4; i++ {
			if recent[i] != recent[i+3] {
				period3 = false
				break
			}
		}
		if period3 {
			unique := map[string]struct{}{}
			for _, h := range recent[:3] {
				unique[h] = struct{}{}
			}
			if len(unique) >= 2 {
				return Result{
					IsLoop:     true,
					Confidence: 0.85,
					Type:       LoopOscillation,
					Suggestion: "Agent is oscillating between three states (A-B-C-A-B-C pattern). " +
						"Consider simplifying the task or terminating.",
				}, true
			}
		}
	}

	return Result{}, false
}

// checkLengthStagnation assumes the current output's length is already
// recorded in outputLengths.
func (d *LoopDetector) checkLengthStagnation() (Result, bool) {
	if len(d.outputLengths) < d.LengthStagnationWindow {
		return Result{}, false
	}

	recentLengths := d.outputLengths[len(d.outputLengths)-d.LengthStagnationWindow:]
	first := recentLengths[0]
	allSame := true
	for _, l := range recentLengths[1:] {
		if l != first {
			allSame = false
			break
		}
	}
	if allSame {
		return Result{
			IsLoop:     true,
			Confidence: 0.6,
			Type:       LoopLengthStagnation,
			Suggestion: fmt.Sprintf(
				"Last %d outputs all have identical length (%d chars). "+
					"Agent may be stuck generating templated responses. "+
					"Consider varying the prompt or terminating.",
				len(recentLengths), first,
			),
		}, true
	}
	return Result{}, false
}

// Reset clears all detection state.
func (d *LoopDetector) Reset() {
	d.recentOutputs = nil
	d.outputHashes = nil
	d.outputLengths = nil
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0.0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// ComputeOutputNovelty scores current against previousOutputs using
// Jaccard distance at the word level: 1.0 for wholly novel, 0.0 for an
// exact duplicate (by vocabulary) or an empty current output.
func ComputeOutputNovelty(current string, previousOutputs []string) float64 {
	if len(previousOutputs) == 0 {
		return 1.0
	}

	currentTokens := tokenSet(current)
	if len(currentTokens) == 0 {
		return 0.0
	}

	maxSimilarity := 0.0
	for _, prev := range previousOutputs {
		prevTokens := tokenSet(prev)
		if len(prevTokens) == 0 {
			continue
		}
		if s := jaccard(currentTokens, prevTokens); s > maxSimilarity {
			maxSimilarity = s
		}
	}
	return 1.0 - maxSimilarity
}
