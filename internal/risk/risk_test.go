package risk

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payments-core/internal/cache"
	"payments-core/internal/domain"
	"payments-core/pkg/money"
)

func request(amount money.Amount) *domain.PaymentRequest {
	return &domain.PaymentRequest{AccountID: "acc_1", Amount: amount, Currency: "KES", Customer: "254700000001"}
}

func TestRuleAssessor_Actions(t *testing.T) {
	a := NewRuleAssessor(Rules{
		LargeAmount: map[string]money.Amount{"KES": 100_000},
		Blocked:     map[string]bool{"254799999999": true},
	}, nil, zap.NewNop())
	ctx := context.Background()

	res, err := a.AssessRisk(ctx, request(5_000))
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, res.Action)

	res, err = a.AssessRisk(ctx, request(200_000))
	require.NoError(t, err)
	assert.Equal(t, ActionReview, res.Action)

	res, err = a.AssessRisk(ctx, request(600_000))
	require.NoError(t, err)
	assert.Equal(t, ActionRequireAdditionalAuth, res.Action)

	blocked := request(10)
	blocked.Customer = "254799999999"
	res, err = a.AssessRisk(ctx, blocked)
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, res.Action)
}

func TestRuleAssessor_Velocity(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewRuleAssessor(Rules{VelocityLimit: 2, VelocityWindow: time.Minute},
		cache.New(client, "test"), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := a.AssessRisk(ctx, request(10))
		require.NoError(t, err)
		assert.Equal(t, ActionAllow, res.Action)
	}
	res, err := a.AssessRisk(ctx, request(10))
	require.NoError(t, err)
	assert.Equal(t, ActionReview, res.Action)

	mr.FastForward(2 * time.Minute)
	res, err = a.AssessRisk(ctx, request(10))
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, res.Action)
}
