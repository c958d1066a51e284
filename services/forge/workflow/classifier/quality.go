// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// QualityThresholds holds the knobs for the output-quality heuristics.
//
// The defaults encode workload-specific judgment calls ("below 50% average
// accuracy is bad"), not universal truths, so every one of them is
// configuration rather than a constant. Zero values are replaced by
// DefaultQualityThresholds at construction.
type QualityThresholds struct {
	// NaNLimit flags numerical instability at this many "nan" tokens.
	NaNLimit int `json:"nan_limit" yaml:"nan_limit"`

	// InfLimit flags overflow at this many "inf" tokens.
	InfLimit int `json:"inf_limit" yaml:"inf_limit"`

	// MinAccuracySamples is the minimum number of accuracy readings before
	// the low-accuracy heuristic applies.
	MinAccuracySamples int `json:"min_accuracy_samples" yaml:"min_accuracy_samples"`

	// AccuracyWindow is how many trailing readings are averaged.
	AccuracyWindow int `json:"accuracy_window" yaml:"accuracy_window"`

	// MinAvgAccuracy is the floor for the trailing-window average.
	MinAvgAccuracy float64 `json:"min_avg_accuracy" yaml:"min_avg_accuracy"`

	// MinTestSamples is the minimum number of test-accuracy readings before
	// the evaluation-bug heuristic applies.
	MinTestSamples int `json:"min_test_samples" yaml:"min_test_samples"`

	// TestAccuracyFloor is the test-accuracy average below which the
	// evaluation-bug heuristic considers the model degenerate on test data.
	TestAccuracyFloor float64 `json:"test_accuracy_floor" yaml:"test_accuracy_floor"`

	// TrainTestGap is how far train accuracy must exceed test accuracy for
	// the evaluation-bug finding.
	TrainTestGap float64 `json:"train_test_gap" yaml:"train_test_gap"`

	// MinLossSamples is the minimum number of loss readings before the
	// stuck-training heuristic applies.
	MinLossSamples int `json:"min_loss_samples" yaml:"min_loss_samples"`

	// LossPlateauRatio flags stuck training when the last loss is at least
	// this fraction of the first.
	LossPlateauRatio float64 `json:"loss_plateau_ratio" yaml:"loss_plateau_ratio"`

	// ZeroAccuracyLimit flags a degenerate model when strictly more than
	// this many accuracy readings are exactly zero.
	ZeroAccuracyLimit int `json:"zero_accuracy_limit" yaml:"zero_accuracy_limit"`
}

// DefaultQualityThresholds returns the tuned defaults.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		NaNLimit:           2,
		InfLimit:           2,
		MinAccuracySamples: 3,
		AccuracyWindow:     4,
		MinAvgAccuracy:     0.5,
		MinTestSamples:     2,
		TestAccuracyFloor:  0.1,
		TrainTestGap:       0.2,
		MinLossSamples:     5,
		LossPlateauRatio:   0.95,
		ZeroAccuracyLimit:  5,
	}
}

func (t QualityThresholds) withDefaults() QualityThresholds {
	d := DefaultQualityThresholds()
	if t.NaNLimit <= 0 {
		t.NaNLimit = d.NaNLimit
	}
	if t.InfLimit <= 0 {
		t.InfLimit = d.InfLimit
	}
	if t.MinAccuracySamples <= 0 {
		t.MinAccuracySamples = d.MinAccuracySamples
	}
	if t.AccuracyWindow <= 0 {
		t.AccuracyWindow = d.AccuracyWindow
	}
	if t.MinAvgAccuracy <= 0 {
		t.MinAvgAccuracy = d.MinAvgAccuracy
	}
	if t.MinTestSamples <= 0 {
		t.MinTestSamples = d.MinTestSamples
	}
	if t.TestAccuracyFloor <= 0 {
		t.TestAccuracyFloor = d.TestAccuracyFloor
	}
	if t.TrainTestGap <= 0 {
		t.TrainTestGap = d.TrainTestGap
	}
	if t.MinLossSamples <= 0 {
		t.MinLossSamples = d.MinLossSamples
	}
	if t.LossPlateauRatio <= 0 {
		t.LossPlateauRatio = d.LossPlateauRatio
	}
	if t.ZeroAccuracyLimit <= 0 {
		t.ZeroAccuracyLimit = d.ZeroAccuracyLimit
	}
	return t
}

// Quality-signal patterns. All matching is line-oriented and loose; the
// heuristics tolerate the many phrasings models produce when printing
// training progress.
var (
	nanPattern = regexp.MustCompile(`(?i)\bnan\b`)
	infPattern = regexp.MustCompile(`(?i)\binf\b`)

	// accuracyPattern matches "accuracy: 0.85", "acc: 85%", "Accuracy = 92%".
	// Prefixes like "test"/"train" sit before the match and do not affect it.
	accuracyPattern = regexp.MustCompile(`(?i)\b(?:accuracy|acc)\s*[:=]\s*([0-9]+(?:\.[0-9]+)?)\s*(%)?`)

	testAccuracyPattern  = regexp.MustCompile(`(?i)\btest\s*_?\s*(?:accuracy|acc)\s*[:=]\s*([0-9]+(?:\.[0-9]+)?)\s*(%)?`)
	trainAccuracyPattern = regexp.MustCompile(`(?i)\btrain(?:ing)?\s*_?\s*(?:accuracy|acc)\s*[:=]\s*([0-9]+(?:\.[0-9]+)?)\s*(%)?`)

	// lossPattern matches "loss: 0.693", "Loss = 1.2e-3", "val_loss: 2.31".
	lossPattern = regexp.MustCompile(`(?i)\bloss\s*[:=]\s*([0-9]+(?:\.[0-9]+)?(?:[eE][+-]?[0-9]+)?)`)

	speedupMentionPattern = regexp.MustCompile(`(?i)\bspeed-?up\b`)
	gpuMentionPattern     = regexp.MustCompile(`(?i)\bgpu\b`)
	cpuMentionPattern     = regexp.MustCompile(`(?i)\bcpu\b`)

	// inlineSpeedupPattern matches "speedup: 3.5", "speedup of 0.8x",
	// "Speedup was 2.1". The ratio must appear on the same line.
	inlineSpeedupPattern = regexp.MustCompile(`(?i)\bspeed-?up\b[^0-9\n]{0,16}([0-9]+(?:\.[0-9]+)?)\s*x?`)

	// benchmarkRowPattern matches markdown benchmark rows of the form
	// "| <task> | <gpu seconds> | <cpu seconds> | <speedup> |". Header and
	// separator rows fail the numeric columns and are skipped naturally.
	benchmarkRowPattern = regexp.MustCompile(`(?m)^\s*\|\s*([A-Za-z_][^|]*?)\s*\|\s*([0-9]+(?:\.[0-9]+)?)\s*\|\s*([0-9]+(?:\.[0-9]+)?)\s*\|\s*([0-9]+(?:\.[0-9]+)?)\s*x?\s*\|`)
)

// validateQuality runs every heuristic over stdout and returns the findings.
// Each heuristic is independent; any non-empty return means failure.
func (c *Classifier) validateQuality(out string) []string {
	var findings []string
	t := c.thresholds

	if n := len(nanPattern.FindAllString(out, -1)); n >= t.NaNLimit {
		findings = append(findings, fmt.Sprintf(
			"numerical instability: %d 'nan' values in output (training likely diverged)", n))
	}

	if n := len(infPattern.FindAllString(out, -1)); n >= t.InfLimit {
		findings = append(findings, fmt.Sprintf(
			"overflow: %d 'inf' values in output (check learning rate and normalization)", n))
	}

	accs := parseAccuracyReadings(accuracyPattern, out)
	if len(accs) >= t.MinAccuracySamples {
		window := accs
		if len(window) > t.AccuracyWindow {
			window = window[len(window)-t.AccuracyWindow:]
		}
		if avg := mean(window); avg < t.MinAvgAccuracy {
			findings = append(findings, fmt.Sprintf(
				"low accuracy: last %d readings average %.3f, below %.2f", len(window), avg, t.MinAvgAccuracy))
		}
	}

	testAccs := parseAccuracyReadings(testAccuracyPattern, out)
	trainAccs := parseAccuracyReadings(trainAccuracyPattern, out)
	if len(testAccs) >= t.MinTestSamples && len(trainAccs) > 0 {
		testAvg, trainAvg := mean(testAccs), mean(trainAccs)
		if testAvg < t.TestAccuracyFloor && trainAvg-testAvg > t.TrainTestGap {
			findings = append(findings, fmt.Sprintf(
				"evaluation bug: test accuracy averages %.3f while train accuracy averages %.3f; the evaluation path is likely broken", testAvg, trainAvg))
		}
	}

	findings = append(findings, c.checkSpeedups(out)...)

	losses := parseLossReadings(out)
	if len(losses) >= t.MinLossSamples {
		first, last := losses[0], losses[len(losses)-1]
		if first > 0 && last >= t.LossPlateauRatio*first {
			findings = append(findings, fmt.Sprintf(
				"stuck training: loss moved from %.4f to %.4f over %d readings", first, last, len(losses)))
		}
	}

	if n := countZeros(accs); n > t.ZeroAccuracyLimit {
		findings = append(findings, fmt.Sprintf(
			"degenerate model: %d accuracy readings are exactly zero", n))
	}

	return findings
}

// checkSpeedups flags GPU implementations that lost to their CPU baseline.
// Only runs when the output talks about speedups or pairs GPU with CPU, so
// ordinary numeric tables elsewhere never trip it.
func (c *Classifier) checkSpeedups(out string) []string {
	mentioned := speedupMentionPattern.MatchString(out) ||
		(gpuMentionPattern.MatchString(out) && cpuMentionPattern.MatchString(out))
	if !mentioned {
		return nil
	}

	var findings []string

	for _, m := range inlineSpeedupPattern.FindAllStringSubmatch(out, -1) {
		ratio, err := strconv.ParseFloat(m[1], 64)
		if err != nil || ratio >= 1.0 {
			continue
		}
		findings = append(findings, fmt.Sprintf(
			"non-vectorized GPU path: reported speedup %.2fx is below 1.0x", ratio))
	}

	for _, m := range benchmarkRowPattern.FindAllStringSubmatch(out, -1) {
		task := strings.TrimSpace(m[1])
		gpuTime, errG := strconv.ParseFloat(m[2], 64)
		cpuTime, errC := strconv.ParseFloat(m[3], 64)
		ratio, errR := strconv.ParseFloat(m[4], 64)
		if errG != nil || errC != nil || errR != nil {
			continue
		}
		if ratio < 1.0 || gpuTime > cpuTime {
			findings = append(findings, fmt.Sprintf(
				"non-vectorized GPU path: task %q shows speedup %.2fx (GPU %.3fs vs CPU %.3fs)", task, ratio, gpuTime, cpuTime))
		}
	}

	return findings
}

// parseAccuracyReadings extracts every accuracy capture of p from out, in
// order, normalizing to fractions: "85%" and bare "85" both become 0.85.
func parseAccuracyReadings(p *regexp.Regexp, out string) []float64 {
	matches := p.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return nil
	}
	readings := make([]float64, 0, len(matches))
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if m[2] == "%" || v > 1.0 {
			v /= 100
		}
		readings = append(readings, v)
	}
	return readings
}

// parseLossReadings extracts loss values in order. Losses are unitless and
// never percent-normalized.
func parseLossReadings(out string) []float64 {
	matches := lossPattern.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return nil
	}
	readings := make([]float64, 0, len(matches))
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		readings = append(readings, v)
	}
	return readings
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func countZeros(vals []float64) int {
	n := 0
	for _, v := range vals {
		if v == 0 {
			n++
		}
	}
	return n
}
