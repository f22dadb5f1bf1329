//go:build integration

package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/internal/evidence/service"
	"github.com/jmerrifield20/evidencechain/internal/ledger"
	"github.com/jmerrifield20/evidencechain/internal/testutil/containers"
)

type RedisOrphanStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *service.RedisOrphanStore
}

func TestRedisOrphanStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisOrphanStoreSuite))
}

func (s *RedisOrphanStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = service.NewRedisOrphanStore(s.redis.Client, "")
}

func (s *RedisOrphanStoreSuite) TearDownSuite() {
	s.redis.Close()
}

func (s *RedisOrphanStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func orphan(requestID string, at time.Time) service.Orphan {
	return service.Orphan{
		RequestID: requestID,
		Receipt: ledger.Receipt{
			TxID:      "0xtx-" + requestID,
			RequestID: requestID,
			Status:    ledger.StatusAccepted,
			Index:     3,
		},
		Record: model.NewEvidence{
			ContentHash:   "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
			Metadata:      model.Metadata{model.MetaCaseNumber: "CASE-1"},
			LedgerReceipt: "0xtx-" + requestID,
		},
		Reason:     "db down",
		RecordedAt: at.UTC(),
	}
}

func (s *RedisOrphanStoreSuite) TestPushListRemove() {
	ctx := context.Background()
	now := time.Now()
	s.Require().NoError(s.store.Push(ctx, orphan("b", now)))
	s.Require().NoError(s.store.Push(ctx, orphan("a", now.Add(-time.Minute))))

	got, err := s.store.List(ctx)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("a", got[0].RequestID, "oldest first")
	s.Equal("0xtx-b", got[1].Receipt.TxID)
	s.Equal("CASE-1", got[1].Record.Metadata.CaseNumber())

	s.Require().NoError(s.store.Remove(ctx, "a"))
	got, err = s.store.List(ctx)
	s.Require().NoError(err)
	s.Len(got, 1)
}

func (s *RedisOrphanStoreSuite) TestPushIsIdempotentPerRequest() {
	ctx := context.Background()
	s.Require().NoError(s.store.Push(ctx, orphan("x", time.Now())))
	s.Require().NoError(s.store.Push(ctx, orphan("x", time.Now())))

	got, err := s.store.List(ctx)
	s.Require().NoError(err)
	s.Len(got, 1)
}
