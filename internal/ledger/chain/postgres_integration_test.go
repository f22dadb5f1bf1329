//go:build integration

package chain_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/ledger/chain"
	"github.com/jmerrifield20/evidencechain/internal/testutil/containers"
)

type PostgresChainSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	chain    *chain.PostgresChain
}

func TestPostgresChainSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresChainSuite))
}

func (s *PostgresChainSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.chain = chain.NewPostgres(s.postgres.DB, zap.NewNop())
}

func (s *PostgresChainSuite) TearDownSuite() {
	s.postgres.Close()
}

// SetupTest keeps only the genesis row.
func (s *PostgresChainSuite) SetupTest() {
	_, err := s.postgres.DB.Exec(context.Background(), "DELETE FROM ledger_entries WHERE idx > 0")
	s.Require().NoError(err)
}

func (s *PostgresChainSuite) TestAcceptChainsAndVerifies() {
	ctx := context.Background()

	first, created, err := s.chain.Accept(ctx, op("req-1"))
	s.Require().NoError(err)
	s.True(created)
	s.Equal(int64(1), first.Index)
	s.Equal(chain.GenesisHash, first.PrevHash)

	second, _, err := s.chain.Accept(ctx, op("req-2"))
	s.Require().NoError(err)
	s.Equal(first.Hash, second.PrevHash)

	n, err := s.chain.Len(ctx)
	s.Require().NoError(err)
	s.Equal(int64(3), n)

	root, err := s.chain.Root(ctx)
	s.Require().NoError(err)
	s.Equal(second.Hash, root)

	s.NoError(s.chain.Verify(ctx))

	got, err := s.chain.Get(ctx, 1)
	s.Require().NoError(err)
	s.Equal(first.Hash, got.Hash)
	s.True(first.Timestamp.Equal(got.Timestamp))
}

func (s *PostgresChainSuite) TestAcceptSameRequestReturnsOriginal() {
	ctx := context.Background()

	first, created, err := s.chain.Accept(ctx, op("req-dup"))
	s.Require().NoError(err)
	s.True(created)

	again, created, err := s.chain.Accept(ctx, op("req-dup"))
	s.Require().NoError(err)
	s.False(created)
	s.Equal(first.Hash, again.Hash)

	found, err := s.chain.FindByRequest(ctx, "req-dup")
	s.Require().NoError(err)
	s.Equal(first.Index, found.Index)

	_, err = s.chain.FindByRequest(ctx, "unknown")
	s.ErrorIs(err, chain.ErrNotFound)
}

func (s *PostgresChainSuite) TestConcurrentAcceptsStayLinear() {
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n*2)
	for i := 0; i < n; i++ {
		wg.Add(2)
		// Two callers per request id: one entry each.
		for j := 0; j < 2; j++ {
			go func(i int) {
				defer wg.Done()
				if _, _, err := s.chain.Accept(ctx, op(fmt.Sprintf("req-%d", i))); err != nil {
					errs <- err
				}
			}(i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	count, err := s.chain.Len(ctx)
	s.Require().NoError(err)
	s.Equal(int64(n+1), count)
	s.NoError(s.chain.Verify(ctx))
}

func (s *PostgresChainSuite) TestVerifyDetectsTampering() {
	ctx := context.Background()
	_, _, err := s.chain.Accept(ctx, op("req-a"))
	s.Require().NoError(err)
	_, _, err = s.chain.Accept(ctx, op("req-b"))
	s.Require().NoError(err)

	_, err = s.postgres.DB.Exec(ctx, "UPDATE ledger_entries SET content_hash = 'QmForged' WHERE idx = 1")
	s.Require().NoError(err)

	s.Error(s.chain.Verify(ctx))
}
