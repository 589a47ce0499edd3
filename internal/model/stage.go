package model

// MigrationStage is a step of the structural layout migration. Each
// STARTED/DONE pair brackets one unit of background work.
type MigrationStage int

const (
	StageUninitialized MigrationStage = iota
	StageInitialized
	StageCopyStarted
	StageCopyDone
	StageWriteMetadataStarted
	StageWriteMetadataDone
	StageChangeSettingsStarted
	StageChangeSettingsDone
	StageDeletionStarted
	StageDone
)

var stageNames = [...]string{
	"UNINITIALIZED",
	"INITIALIZED",
	"COPY_STARTED",
	"COPY_DONE",
	"WRITE_METADATA_STARTED",
	"WRITE_METADATA_DONE",
	"CHANGE_SETTINGS_STARTED",
	"CHANGE_SETTINGS_DONE",
	"DELETION_STARTED",
	"DONE",
}

func (s MigrationStage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "INVALID"
	}
	return stageNames[s]
}
