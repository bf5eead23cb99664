package ingest

import (
	"fmt"

	"github.com/sawpanic/tokenwatch/internal/types"
)

func validateMint(mint string) error {
	if len(mint) < 3 {
		return fmt.Errorf("mint %q too short", mint)
	}
	return nil
}

func validateTokenEvent(e types.NewTokenEvent) error {
	if err := validateMint(e.Mint); err != nil {
		return err
	}
	if e.Symbol == "" {
		return fmt.Errorf("token event for %s: symbol is empty", e.Mint)
	}
	if e.Price < 0 {
		return fmt.Errorf("token event for %s: negative price %v", e.Mint, e.Price)
	}
	if e.Volume24h < 0 {
		return fmt.Errorf("token event for %s: negative volume24h %v", e.Mint, e.Volume24h)
	}
	return nil
}

func validateTradeEvent(e types.TradeEvent) error {
	if err := validateMint(e.Mint); err != nil {
		return err
	}
	if e.Side != types.SideBuy && e.Side != types.SideSell {
		return fmt.Errorf("trade event for %s: invalid side %q", e.Mint, e.Side)
	}
	if e.Amount < 0 {
		return fmt.Errorf("trade event for %s: negative amount %v", e.Mint, e.Amount)
	}
	if e.Price < 0 {
		return fmt.Errorf("trade event for %s: negative price %v", e.Mint, e.Price)
	}
	if len(e.Signature) < 10 {
		return fmt.Errorf("trade event for %s: signature too short", e.Mint)
	}
	return nil
}
