// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/jagill/treeano/pkg/ml/canopy"
	"github.com/jagill/treeano/pkg/ml/canopy/loop"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each update of the progress bar, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the maximum time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks of the progress bar.
const ProgressBarName = "treeano.commandline.progressBar"

// maxUpdateFrequency is the minimum time between updates to the display of stats.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out              io.Writer
	numSteps         int
	lastStepReported int
	lastReportTime   time.Time
	stride           int
	bar              *progressbar.ProgressBar

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	linesPrinted     int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount  int
	step    string
	outputs [][2]string
}

func (pBar *progressBar) onStart(l *loop.Loop) error {
	pBar.lastStepReported = l.LoopStep
	pBar.lastReportTime = time.Now()
	pBar.numSteps = l.EndStep - l.StartStep
	pBar.stride = max(pBar.numSteps/1000, 1)
	pBar.isFirstOutput = true
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so the loop is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.display(l)
	return nil
}

func (pBar *progressBar) onStep(l *loop.Loop, outputs canopy.Values) error {
	amount := l.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	isLast := l.LoopStep+1 >= l.EndStep
	if amount <= 0 || (!isLast && amount < pBar.stride && time.Since(pBar.lastReportTime) < RefreshPeriod) {
		return nil
	}
	update := progressBarUpdate{
		amount: amount,
		step:   fmt.Sprintf("%s of %s", humanize.Comma(int64(l.LoopStep+1)), humanize.Comma(int64(l.EndStep))),
	}
	for _, name := range slices.Sorted(maps.Keys(outputs)) {
		if outputs[name].Rank() == 0 {
			update.outputs = append(update.outputs, [2]string{name, FormatValue(outputs[name])})
		}
	}
	pBar.updates <- update
	pBar.lastStepReported = l.LoopStep + 1
	pBar.lastReportTime = time.Now()
	return nil
}

func (pBar *progressBar) onEnd(_ *loop.Loop, _ canopy.Values) error {
	pBar.stop()
	return nil
}

// stop the asynchronous display, if running.
func (pBar *progressBar) stop() {
	if pBar.updates == nil {
		return
	}
	close(pBar.updates)
	pBar.updates = nil
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
}

// display draws the updates asynchronously: handy if the loop is faster than the terminal, in particular
// if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) display(l *loop.Loop) {
	defer pBar.asyncUpdatesDone.Done()
	updates := pBar.updates
	for update := range updates {
		// Exhaust the updates in the buffer.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Step", update.step)
		pBar.statsTable.Row("Median step duration", FormatDuration(l.MedianStepDuration()))
		for _, output := range update.outputs {
			pBar.statsTable.Row(output[0], output[1])
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.linesPrinted)
		}
		pBar.isFirstOutput = false
		pBar.linesPrinted = 2 + len(update.outputs) + len(pBar.extraMetricFns) + 2 + 1

		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar creates a command-line progress bar and attaches it to the loop, so that every time the
// loop is run it displays a progress bar with the steps and the scalar outputs of the last step.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of the progress bar
// and should return a name (title) and a value to be included in the updated print-out.
func AttachProgressBar(l *loop.Loop, extraMetrics ...ExtraMetricFn) {
	attachProgressBar(l, os.Stdout, extraMetrics...)
}

func attachProgressBar(l *loop.Loop, out io.Writer, extraMetrics ...ExtraMetricFn) *progressBar {
	pBar := &progressBar{
		out:            out,
		extraMetricFns: extraMetrics,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	l.OnStart(ProgressBarName, 0, pBar.onStart)
	l.OnStep(ProgressBarName, 0, pBar.onStep)
	l.OnEnd(ProgressBarName, 0, pBar.onEnd)
	return pBar
}
