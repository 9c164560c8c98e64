package battle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/larrybui/cardmatch/internal/domain"
)

func TestInvokeSuccess(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	inv := New(func(a, b domain.PlayerID) (domain.BattleResult, error) {
		return domain.BattleResult{WinnerID: a, BattleData: json.RawMessage(`{"ok":true}`)}, nil
	}, time.Second)

	result, err := inv.Invoke(context.Background(), p1, p2)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.WinnerID != p1 {
		t.Fatalf("WinnerID = %v, want %v", result.WinnerID, p1)
	}
}

func TestInvokePropagatesError(t *testing.T) {
	inv := New(func(a, b domain.PlayerID) (domain.BattleResult, error) {
		return domain.BattleResult{}, errors.New("boom")
	}, time.Second)

	_, err := inv.Invoke(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, ErrSimulationFailure) {
		t.Fatalf("Invoke error = %v, want ErrSimulationFailure", err)
	}
}

func TestInvokeTimesOut(t *testing.T) {
	inv := New(func(a, b domain.PlayerID) (domain.BattleResult, error) {
		time.Sleep(50 * time.Millisecond)
		return domain.BattleResult{WinnerID: a}, nil
	}, 5*time.Millisecond)

	_, err := inv.Invoke(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, ErrSimulationFailure) {
		t.Fatalf("Invoke error = %v, want ErrSimulationFailure on timeout", err)
	}
}
