package protocol

// Outbound verbs (manager -> worker). Several take a payload beyond the
// verb word itself; callers format those manually with WriteLine.
const (
	VerbTask         = "task"
	VerbCmd          = "cmd"
	VerbCoprocess    = "coprocess"
	VerbCategory     = "category"
	VerbCores        = "cores"
	VerbGPUs         = "gpus"
	VerbMemory       = "memory"
	VerbDisk         = "disk"
	VerbEndTime      = "end_time"
	VerbWallTime     = "wall_time"
	VerbEnv          = "env"
	VerbDir          = "dir"
	VerbInfile       = "infile"
	VerbOutfile      = "outfile"
	VerbEnd          = "end"
	VerbSendResults  = "send_results"
	VerbCheck        = "check"
	VerbKill         = "kill"
	VerbUnlink       = "unlink"
	VerbRelease      = "release"
	VerbExit         = "exit"
)

// Inbound verbs (worker -> manager), dispatched by MessageDispatcher.
const (
	VerbDataswarm         = "dataswarm"
	VerbInfo              = "info"
	VerbResource          = "resource"
	VerbFeature           = "feature"
	VerbCacheUpdate       = "cache-update"
	VerbCacheInvalid      = "cache-invalid"
	VerbTransferAddress   = "transfer-address"
	VerbResult            = "result"
	VerbUpdate            = "update"
	VerbAvailableResults  = "available_results"
	VerbQueueStatus       = "queue_status"
	VerbTaskStatus        = "task_status"
	VerbWorkerStatus      = "worker_status"
	VerbResourcesStatus   = "resources_status"
	VerbWableStatus       = "wable_status"
)

// DataswarmProtocolVersion is the handshake protocol constant this manager
// expects from every connecting worker. A mismatch causes the connecting
// host to be blocked and dropped.
const DataswarmProtocolVersion = "1"

// info field names a worker may send. The manager's OnInfo acts on
// idle-disconnecting, end_of_resource_update and from-factory and ignores
// the others.
const (
	InfoIdleDisconnecting   = "idle-disconnecting"
	InfoEndOfResourceUpdate = "end_of_resource_update"
	InfoWorkerID            = "worker-id"
	InfoWorkerEndTime       = "worker-end-time"
	InfoFromFactory         = "from-factory"
)

// StatusVerbs lists the bare status-request verbs that, like an inline
// HTTP GET, get one synchronous response after which the sender is
// disconnected.
var StatusVerbs = map[string]bool{
	VerbQueueStatus:     true,
	VerbTaskStatus:      true,
	VerbWorkerStatus:    true,
	VerbResourcesStatus: true,
	VerbWableStatus:     true,
}
