package workflow

// Stage is a named phase in the fixed writing pipeline. Stages only ever move
// forward; the server decides transitions and the client mirrors them.
type Stage string

const (
	StageGenerate  Stage = "generate"
	StageOptimize  Stage = "optimize"
	StageImage     Stage = "image"
	StageEdit      Stage = "edit"
	StageCompleted Stage = "completed"
)

var stageOrder = []Stage{
	StageGenerate,
	StageOptimize,
	StageImage,
	StageEdit,
	StageCompleted,
}

var stageLabels = map[Stage]string{
	StageGenerate:  "生成文章",
	StageOptimize:  "优化润色",
	StageImage:     "配图生成",
	StageEdit:      "编辑预览",
	StageCompleted: "完成",
}

// Stages returns the pipeline order, earliest first.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Index returns the stage's position in the pipeline, or -1 when the value is
// not one of the known stages.
func (s Stage) Index() int {
	for i, stage := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// Known reports whether the value names a pipeline stage.
func (s Stage) Known() bool {
	return s.Index() >= 0
}

// Label returns the operator-facing display name for the stage.
func (s Stage) Label() string {
	if label, ok := stageLabels[s]; ok {
		return label
	}
	return string(s)
}

// Mode selects who drives the pipeline.
type Mode string

const (
	// ModeManual has the operator drive each stage turn by turn.
	ModeManual Mode = "manual"
	// ModeAuto runs the whole pipeline server-side in one background job.
	ModeAuto Mode = "auto"
)

// ContentType selects the artifact shape being produced.
type ContentType string

const (
	ContentTypeArticle ContentType = "article"
	// ContentTypeWeitoutiao is the short-form post variant.
	ContentTypeWeitoutiao ContentType = "weitoutiao"
)

// Status tracks the auto-execution lifecycle of a session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)
