//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/applyforge/contentstore/internal/cache"
	"github.com/applyforge/contentstore/internal/migrate"
	"github.com/applyforge/contentstore/internal/monitor"
	"github.com/applyforge/contentstore/internal/pool"
	"github.com/applyforge/contentstore/internal/storage"
	"github.com/applyforge/contentstore/pkg/types"
)

// ChaosTestSuite tests store behavior under contention and pool pressure
type ChaosTestSuite struct {
	suite.Suite
	pool  *pool.Pool
	store *storage.Store
}

// SetupTest builds a fresh store on a deliberately small pool
func (suite *ChaosTestSuite) SetupTest() {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	p, err := pool.New(pool.Config{
		Path:           filepath.Join(suite.T().TempDir(), "chaos.db"),
		PoolSize:       2,
		MaxOverflow:    2,
		AcquireTimeout: 5 * time.Second,
	}, log)
	suite.Require().NoError(err)
	suite.pool = p

	mgr := migrate.NewManager(p, migrate.Files(), log)
	_, err = mgr.Migrate(context.Background())
	suite.Require().NoError(err)

	c := cache.New(cache.Config{MaxSize: 256, DefaultTTL: time.Minute}, log)
	mon := monitor.New(monitor.Config{SlowThreshold: time.Second}, nil, log)
	suite.store = storage.New(p, c, mon, mgr, log)
}

func (suite *ChaosTestSuite) TearDownTest() {
	_ = suite.pool.Close()
}

// TestConcurrentWritersAndReaders hammers one store from both sides
func (suite *ChaosTestSuite) TestConcurrentWritersAndReaders() {
	const writers = 8
	const perWriter = 10
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, writers*2)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := suite.store.InsertJobPosting(ctx, &types.JobPosting{
					Company:     "Chaos Corp",
					Title:       fmt.Sprintf("Engineer %d-%d", w, i),
					Description: fmt.Sprintf("Writer %d posting %d.", w, i),
				})
				if err != nil {
					errs <- fmt.Errorf("writer %d: %w", w, err)
					return
				}
			}
		}(w)

		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := suite.store.ListJobPostings(ctx, storage.JobPostingFilter{
					Company: "Chaos Corp",
				}); err != nil {
					errs <- fmt.Errorf("reader %d: %w", w, err)
					return
				}
			}
		}(w)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		suite.NoError(err)
	}

	page, err := suite.store.ListJobPostings(context.Background(), storage.JobPostingFilter{
		Company: "Chaos Corp",
	})
	suite.Require().NoError(err)
	suite.Equal(int64(writers*perWriter), page.Total)

	stats := suite.pool.Stats()
	suite.Equal(stats.PoolSize, stats.Available+stats.InUse)
	suite.Equal(0, stats.InUse)
	suite.Equal(0, stats.OverflowInFlight)
}

// TestPoolExhaustionRecovers drains every lease and verifies the pool
// reports exhaustion, then serves again after release
func (suite *ChaosTestSuite) TestPoolExhaustionRecovers() {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	ctx := context.Background()

	p, err := pool.New(pool.Config{
		Path:           filepath.Join(suite.T().TempDir(), "exhaust.db"),
		PoolSize:       2,
		MaxOverflow:    2,
		AcquireTimeout: 150 * time.Millisecond,
	}, log)
	suite.Require().NoError(err)
	defer func() {
		_ = p.Close() // Ignore error in test
	}()

	var leases []*pool.Lease
	for i := 0; i < 4; i++ {
		lease, err := p.Acquire(ctx)
		suite.Require().NoError(err)
		leases = append(leases, lease)
	}

	_, err = p.Acquire(ctx)
	suite.Require().Error(err)
	suite.True(pool.IsExhausted(err))

	for _, lease := range leases {
		p.Release(lease)
	}

	// Back in business once leases return.
	lease, err := p.Acquire(ctx)
	suite.Require().NoError(err)
	p.Release(lease)

	stats := p.Stats()
	suite.GreaterOrEqual(stats.Exhaustions, uint64(1))
	suite.Equal(0, stats.InUse)
	suite.Equal(0, stats.OverflowInFlight)
}

// TestRecycleChurnUnderLoad forces frequent connection recycling and
// verifies reads stay consistent throughout
func (suite *ChaosTestSuite) TestRecycleChurnUnderLoad() {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	ctx := context.Background()

	p, err := pool.New(pool.Config{
		Path:           filepath.Join(suite.T().TempDir(), "churn.db"),
		PoolSize:       2,
		ConnMaxQueries: 5,
	}, log)
	suite.Require().NoError(err)
	defer func() {
		_ = p.Close() // Ignore error in test
	}()

	mgr := migrate.NewManager(p, migrate.Files(), log)
	_, err = mgr.Migrate(ctx)
	suite.Require().NoError(err)

	c := cache.New(cache.Config{MaxSize: 8, DefaultTTL: time.Minute}, log)
	mon := monitor.New(monitor.Config{SlowThreshold: time.Second}, nil, log)
	store := storage.New(p, c, mon, mgr, log)

	for i := 0; i < 40; i++ {
		stored, err := store.InsertJobPosting(ctx, &types.JobPosting{
			Company:     "Churn Co",
			Title:       fmt.Sprintf("Engineer %d", i),
			Description: fmt.Sprintf("Posting %d.", i),
		})
		suite.Require().NoError(err)

		got, err := store.GetJobPosting(ctx, stored.ID)
		suite.Require().NoError(err)
		suite.Equal(stored.ID, got.ID)
	}

	stats := p.Stats()
	suite.Greater(stats.Recycles, uint64(0))

	page, err := store.ListJobPostings(ctx, storage.JobPostingFilter{Company: "Churn Co"})
	suite.Require().NoError(err)
	suite.Equal(int64(40), page.Total)
}

// Run the chaos test suite
func TestChaosSuite(t *testing.T) {
	suite.Run(t, new(ChaosTestSuite))
}
