package jobs

import (
	"github.com/rossigee/page-generator/pkg/types"
)

var stageProgress = map[types.Stage]types.ProgressInfo{
	types.StageInitializing: {Stage: types.StageInitializing, Percent: 0, Message: "Preparing AI generation..."},
	types.StageAnalyzing:    {Stage: types.StageAnalyzing, Percent: 10, Message: "Analyzing your business requirements..."},
	types.StageGenerating:   {Stage: types.StageGenerating, Percent: 30, Message: "Generating website content with AI..."},
	types.StageProcessing:   {Stage: types.StageProcessing, Percent: 60, Message: "Processing AI response..."},
	types.StageValidating:   {Stage: types.StageValidating, Percent: 70, Message: "Validating website structure..."},
	types.StageSaving:       {Stage: types.StageSaving, Percent: 85, Message: "Saving your website..."},
	types.StageCompleted:    {Stage: types.StageCompleted, Percent: 100, Message: "Website ready!"},
}

// StageProgress returns the progress descriptor written when a job enters stage
func StageProgress(stage types.Stage) types.ProgressInfo {
	if info, ok := stageProgress[stage]; ok {
		return info
	}
	return types.ProgressInfo{Stage: stage}
}
