// SPDX-License-Identifier: MIT

package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// OpKind identifies a batched operation.
type OpKind int

const (
	OpGet OpKind = iota
	OpSet
	OpExpire
	OpTTL
	OpIncr
	OpDel
	OpLPush
	OpLTrim
)

// Op is one operation in a batch.
type Op struct {
	Kind  OpKind
	Key   string
	Value string
	TTL   time.Duration // Set (0 = no expiry) and Expire
	NX    bool          // Set only
	Start int64         // LTrim
	Stop  int64         // LTrim
}

// Result carries one batched operation's outcome. A per-op failure
// yields Err non-nil and a zero Val; the rest of the batch still runs.
type Result struct {
	Val any
	Err error
}

// Batch executes ops, via a single pipeline round-trip when pipelining
// is enabled and the batch has more than one op, otherwise one by one.
// A failed pipeline falls back to sequential execution so that partial
// progress is still made.
func (s *Store) Batch(ctx context.Context, ops []Op) []Result {
	if !s.usePipeline || len(ops) <= 1 {
		return s.runSequential(ctx, ops)
	}

	pipe := s.client.Pipeline()
	cmds := make([]redis.Cmder, len(ops))
	for i, op := range ops {
		cmds[i] = addToPipeline(ctx, pipe, op)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		s.logger.Warn().Err(err).Int("ops", len(ops)).Msg("pipeline failed, retrying sequentially")
		return s.runSequential(ctx, ops)
	}

	results := make([]Result, len(ops))
	for i, cmd := range cmds {
		results[i] = cmdResult(cmd)
	}
	return results
}

func (s *Store) runSequential(ctx context.Context, ops []Op) []Result {
	results := make([]Result, len(ops))
	for i, op := range ops {
		cmd := addToPipeline(ctx, s.client, op)
		results[i] = cmdResult(cmd)
		if results[i].Err != nil {
			s.logger.Warn().Err(results[i].Err).Str("key", op.Key).Msg("batched operation failed")
		}
	}
	return results
}

// addToPipeline issues op against c, which is either the live client or
// a pipeline builder.
func addToPipeline(ctx context.Context, c redis.Cmdable, op Op) redis.Cmder {
	switch op.Kind {
	case OpGet:
		return c.Get(ctx, op.Key)
	case OpSet:
		if op.NX {
			return c.SetNX(ctx, op.Key, op.Value, op.TTL)
		}
		return c.Set(ctx, op.Key, op.Value, op.TTL)
	case OpExpire:
		return c.Expire(ctx, op.Key, op.TTL)
	case OpTTL:
		return c.TTL(ctx, op.Key)
	case OpIncr:
		return c.Incr(ctx, op.Key)
	case OpDel:
		return c.Del(ctx, op.Key)
	case OpLPush:
		return c.LPush(ctx, op.Key, op.Value)
	case OpLTrim:
		return c.LTrim(ctx, op.Key, op.Start, op.Stop)
	default:
		cmd := redis.NewCmd(ctx)
		cmd.SetErr(redis.Nil)
		return cmd
	}
}

func cmdResult(cmd redis.Cmder) Result {
	if err := cmd.Err(); err != nil {
		if err == redis.Nil {
			return Result{Val: nil}
		}
		return Result{Err: err}
	}
	switch c := cmd.(type) {
	case *redis.StringCmd:
		return Result{Val: c.Val()}
	case *redis.IntCmd:
		return Result{Val: c.Val()}
	case *redis.BoolCmd:
		return Result{Val: c.Val()}
	case *redis.StatusCmd:
		return Result{Val: c.Val()}
	case *redis.DurationCmd:
		return Result{Val: c.Val()}
	default:
		return Result{Val: nil}
	}
}
