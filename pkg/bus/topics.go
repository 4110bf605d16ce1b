package bus

const (
	TopicJobs    = "pupdash.jobs"
	TopicNotices = "pupdash.notices"
)
