package models

// DeploymentState is the scheduler's view of the last reconciliation, embedded
// in every deployable record.
type DeploymentState struct {
	SchedulerVersion string `gorm:"type:varchar(128);index" json:"scheduler_version"`
	DeploymentID     string `gorm:"type:varchar(128);index" json:"deployment_id"`
}

// InFlight reports whether a scheduler deployment is being tracked.
func (d DeploymentState) InFlight() bool {
	return d.DeploymentID != ""
}
