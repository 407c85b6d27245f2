package mock

import (
	"context"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
)

var _ ratudb.Environment = (*Environment)(nil)

type Environment struct {
	SetPrimaryShardsFunc func(ctx context.Context, shards []ratudb.ShardID) error
}

func (e *Environment) Type() string { return "mock" }

func (e *Environment) SetPrimaryShards(ctx context.Context, shards []ratudb.ShardID) error {
	return e.SetPrimaryShardsFunc(ctx, shards)
}
