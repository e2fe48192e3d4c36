package taskstate

import (
	"github.com/looplab/fsm"

	"lora_pipeline/internal/model"
)

// allowed maps a target status to the statuses it may be entered from.
// Self transitions are listed where recovery or rollback re-enters a status.
var allowed = map[model.TaskStatus][]model.TaskStatus{
	model.TaskStatusNew:       model.AllTaskStatuses,
	model.TaskStatusSubmitted: {model.TaskStatusNew, model.TaskStatusSubmitted, model.TaskStatusMarking},
	model.TaskStatusMarking:   {model.TaskStatusSubmitted},
	model.TaskStatusMarked: {
		model.TaskStatusSubmitted, model.TaskStatusMarking, model.TaskStatusMarked,
		model.TaskStatusTraining, model.TaskStatusCompleted, model.TaskStatusError,
	},
	model.TaskStatusTraining:  {model.TaskStatusMarked, model.TaskStatusTraining},
	model.TaskStatusCompleted: {model.TaskStatusTraining},
	model.TaskStatusError: {
		model.TaskStatusNew, model.TaskStatusSubmitted, model.TaskStatusMarking,
		model.TaskStatusMarked, model.TaskStatusTraining,
	},
}

// fsmEvents names each transition after its target status.
var fsmEvents = func() fsm.Events {
	var evs fsm.Events
	for to, from := range allowed {
		src := make([]string, len(from))
		for i, s := range from {
			src[i] = string(s)
		}
		evs = append(evs, fsm.EventDesc{Name: string(to), Src: src, Dst: string(to)})
	}
	return evs
}()

// CanTransition reports whether a task in from may move to to.
func CanTransition(from, to model.TaskStatus) bool {
	f := fsm.NewFSM(string(from), fsmEvents, fsm.Callbacks{})
	return f.Can(string(to))
}
