package cell

// Topics of the sys admin requests served by worker sites.
const (
	TopicSysInfo          = "sys.info"
	TopicConfigureSiteLog = "sys.configure_site_log"
	TopicReportResources  = "sys.report_resources"
	TopicReportEnv        = "sys.report_env"
)
