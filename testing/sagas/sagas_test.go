package sagas

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/testing/testutil"
)

type order struct {
	Reserved bool
	Charged  int64
	Shipped  bool
	Express  bool
	undone   []string
}

var errCarrierDown = errors.New("carrier down")

func orderSaga(shipErr, refundErr error) *keel.Saga[order] {
	return keel.NewSaga("order",
		keel.NewStep("reserve",
			func(ctx context.Context, s *order) (bool, error) {
				s.Reserved = true
				return true, nil
			},
			func(ctx context.Context, s *order, _ bool) error {
				s.Reserved = false
				s.undone = append(s.undone, "reserve")
				return nil
			}),
		keel.NewStep("charge",
			func(ctx context.Context, s *order) (int64, error) {
				s.Charged = 42
				return 42, nil
			},
			func(ctx context.Context, s *order, amount int64) error {
				if refundErr != nil {
					return refundErr
				}
				s.Charged -= amount
				s.undone = append(s.undone, "charge")
				return nil
			}),
		keel.Do("upgrade", func(ctx context.Context, s *order) error {
			return nil
		}).When(func(s *order) bool { return s.Express }),
		keel.Do("ship", func(ctx context.Context, s *order) error {
			if shipErr != nil {
				return shipErr
			}
			s.Shipped = true
			return nil
		}),
	)
}

func TestSagaFixture_Completed(t *testing.T) {
	TestSaga(t, orderSaga(nil, nil)).
		When(&order{}).
		ThenCompleted().
		ThenSteps("reserve", "charge", "ship").
		ThenSkipped("upgrade").
		ThenCompensated().
		ThenState(func(t TB, s *order) {
			assert.True(t, s.Shipped)
			assert.Equal(t, int64(42), s.Charged)
		})
}

func TestSagaFixture_Failed(t *testing.T) {
	f := TestSaga(t, orderSaga(errCarrierDown, nil)).
		When(&order{}).
		ThenFailedAt("ship").
		ThenError(errCarrierDown).
		ThenSteps("reserve", "charge").
		ThenCompensated("charge", "reserve").
		ThenState(func(t TB, s *order) {
			assert.False(t, s.Reserved)
			assert.Zero(t, s.Charged)
			assert.Equal(t, []string{"charge", "reserve"}, s.undone)
		})

	assert.Equal(t, keel.SagaFailed, f.Outcome().Status)
	assert.ErrorIs(t, f.Err(), keel.ErrSagaFailed)
}

func TestSagaFixture_CompensationFailure(t *testing.T) {
	TestSaga(t, orderSaga(errCarrierDown, errors.New("gateway timeout"))).
		When(&order{}).
		ThenFailedAt("ship").
		ThenCompensated("reserve").
		ThenCompensationFailed("charge")
}

func TestSagaFixture_Aborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	TestSaga(t, orderSaga(nil, nil)).
		WithContext(ctx).
		When(&order{}).
		ThenAborted().
		ThenError(context.Canceled).
		ThenSteps()
}

func TestSagaFixture_ReportsMismatches(t *testing.T) {
	tests := []struct {
		name  string
		check func(f *SagaTestFixture[order])
		fatal bool
	}{
		{"completed on failure", func(f *SagaTestFixture[order]) {
			f.When(&order{}).ThenCompleted()
		}, true},
		{"wrong failed step", func(f *SagaTestFixture[order]) {
			f.When(&order{}).ThenFailedAt("charge")
		}, false},
		{"wrong compensation order", func(f *SagaTestFixture[order]) {
			f.When(&order{}).ThenCompensated("reserve", "charge")
		}, false},
		{"unexpected skip", func(f *SagaTestFixture[order]) {
			f.When(&order{Express: true}).ThenSkipped("upgrade")
		}, false},
		{"assert before run", func(f *SagaTestFixture[order]) {
			f.ThenSteps("reserve")
		}, true},
		{"wrong error", func(f *SagaTestFixture[order]) {
			f.When(&order{}).ThenError(context.Canceled)
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := testutil.RunWithMockT(func(m *testutil.MockT) {
				tt.check(TestSaga(m, orderSaga(errCarrierDown, nil)))
			})
			assert.True(t, mt.Failed())
			assert.Equal(t, tt.fatal, mt.Fatal_)
		})
	}
}
