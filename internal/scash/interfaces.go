package scash

import "context"

// TemplateSource supplies block templates to the job manager.
type TemplateSource interface {
	GetBlockTemplate(ctx context.Context) (*BlockTemplate, error)
}

// BlockSubmitter hands found blocks to the node.
type BlockSubmitter interface {
	SubmitBlock(ctx context.Context, blockHex string) error
	GetBlock(ctx context.Context, hash string) (*BlockInfo, error)
}

// Node is the full set of node RPC calls the pool makes.
type Node interface {
	TemplateSource
	BlockSubmitter

	GetBlockCount(ctx context.Context) (int64, error)
	GetMiningInfo(ctx context.Context) (*MiningInfo, error)
	GetNetworkInfo(ctx context.Context) (*NetworkInfo, error)
	GetBlockchainInfo(ctx context.Context) (*BlockchainInfo, error)
}

var _ Node = (*RPCClient)(nil)
