/*
Mailout - Outgoing message pipeline for desktop mail clients.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Mailout contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package send

// Stage identifies one phase of the send pipeline in a Report.
type Stage int

const (
	// StageCurrent addresses whatever stage the pipeline is in at the
	// moment. It is accepted by Report methods but never recorded itself.
	StageCurrent Stage = iota - 1

	StageBuildMessage
	StageNNTP
	StageSMTP
	StageCopy
	StageFilter

	stageMax
)

func (s Stage) String() string {
	switch s {
	case StageBuildMessage:
		return "build"
	case StageNNTP:
		return "nntp"
	case StageSMTP:
		return "smtp"
	case StageCopy:
		return "copy"
	case StageFilter:
		return "filter"
	}
	return "current"
}

// StageResult is the outcome recorded for one stage.
type StageResult struct {
	Err error

	// Msg is the human-readable explanation shown alongside Err, when one
	// exists that is more useful than Err.Error().
	Msg string
}

// Report accumulates per-stage outcomes of one send. The frontend reads it
// after the pipeline concluded to decide what to show; the error of the
// earliest failed stage wins even when later stages failed too.
//
// A Report is mutated by the pipeline goroutine. Reading it is safe once
// Operation.Done is closed.
type Report struct {
	stage   Stage
	results [stageMax]StageResult
}

// SetStage marks the stage the pipeline is in. Failures recorded against
// StageCurrent land there.
func (r *Report) SetStage(stage Stage) {
	if stage >= 0 && stage < stageMax {
		r.stage = stage
	}
}

// CurrentStage returns the stage last set with SetStage.
func (r *Report) CurrentStage() Stage {
	return r.stage
}

// Fail records the failure of a stage, replacing the previously recorded
// result of that stage if any.
func (r *Report) Fail(stage Stage, err error, msg string) {
	if stage == StageCurrent {
		stage = r.stage
	}
	if stage < 0 || stage >= stageMax {
		return
	}
	r.results[stage] = StageResult{Err: err, Msg: msg}
}

// Result returns the recorded outcome of the stage.
func (r *Report) Result(stage Stage) StageResult {
	if stage == StageCurrent {
		stage = r.stage
	}
	if stage < 0 || stage >= stageMax {
		return StageResult{}
	}
	return r.results[stage]
}

// First returns the earliest failed stage in pipeline order. ok is false
// when every stage succeeded.
func (r *Report) First() (stage Stage, res StageResult, ok bool) {
	for s := Stage(0); s < stageMax; s++ {
		if r.results[s].Err != nil {
			return s, r.results[s], true
		}
	}
	return StageCurrent, StageResult{}, false
}
