package messaging

// Topic constants for pool events
const (
	TopicJobs      = "mining.jobs"   // every published job
	TopicShares    = "mining.shares" // share outcomes, valid and invalid
	TopicBlocks    = "mining.blocks" // block candidates and submit results
	TopicPoolStats = "pool.stats"    // periodic protobuf snapshots
)
