package codec

import (
	"crypto/sha256"

	"spin-indexer/pkg/types"
)

func sha256First8(s string) Discriminator {
	sum := sha256.Sum256([]byte(s))
	var d Discriminator
	copy(d[:], sum[:8])
	return d
}

// Every decode* function receives the payload with only the 8-byte
// discriminator stripped (Codec.Decode passes payload[8:]); each reads
// payer/mint itself since every variant starts with them
// (spec.md §4.B: "Envelope prefix on every variant: ... payer (32) + mint (32)").

func readPayerMint(c *cursor) (payer, mint string, err error) {
	if payer, err = c.pubkey(); err != nil {
		return
	}
	mint, err = c.pubkey()
	return
}

func decodeTokenCreated(body []byte) (types.Event, error) {
	c := &cursor{buf: body}
	payer, mint, err := readPayerMint(c)
	if err != nil {
		return types.Event{}, err
	}
	name, err := c.lenString()
	if err != nil {
		return types.Event{}, err
	}
	symbol, err := c.lenString()
	if err != nil {
		return types.Event{}, err
	}
	uri, err := c.lenString()
	if err != nil {
		return types.Event{}, err
	}
	curveAccount, err := c.pubkey()
	if err != nil {
		return types.Event{}, err
	}
	createTs, err := c.i64()
	if err != nil {
		return types.Event{}, err
	}

	return types.Event{
		Envelope: types.Envelope{Kind: types.KindTokenCreated, Payer: payer, Mint: mint},
		TokenCreated: &types.TokenCreatedPayload{
			Name:            name,
			Symbol:          symbol,
			URI:             uri,
			CurveAccount:    curveAccount,
			CreateTimestamp: createTs,
		},
	}, nil
}

func decodeBuySell(body []byte) (types.Event, error) {
	c := &cursor{buf: body}
	payer, mint, err := readPayerMint(c)
	if err != nil {
		return types.Event{}, err
	}
	isBuy, err := c.bool()
	if err != nil {
		return types.Event{}, err
	}
	tokenAmount, err := c.u128()
	if err != nil {
		return types.Event{}, err
	}
	solAmount, err := c.u128()
	if err != nil {
		return types.Event{}, err
	}
	latestPrice, err := c.u128()
	if err != nil {
		return types.Event{}, err
	}

	return types.Event{
		Envelope: types.Envelope{Kind: types.KindBuySell, Payer: payer, Mint: mint},
		BuySell: &types.BuySellPayload{
			IsBuy:       isBuy,
			TokenAmount: tokenAmount,
			SolAmount:   solAmount,
			LatestPrice: latestPrice,
		},
	}, nil
}

func decodeSide(c *cursor) (types.OrderSide, error) {
	b, err := c.u8()
	if err != nil {
		return "", err
	}
	if b == 0 {
		return types.SideUp, nil
	}
	return types.SideDn, nil
}

func decodeLongShort(body []byte) (types.Event, error) {
	c := &cursor{buf: body}
	payer, mint, err := readPayerMint(c)
	if err != nil {
		return types.Event{}, err
	}
	side, err := decodeSide(c)
	if err != nil {
		return types.Event{}, err
	}
	orderPDA, err := c.pubkey()
	if err != nil {
		return types.Event{}, err
	}
	margin, err := c.u128()
	if err != nil {
		return types.Event{}, err
	}
	borrow, err := c.u128()
	if err != nil {
		return types.Event{}, err
	}
	openPrice, err := c.u128()
	if err != nil {
		return types.Event{}, err
	}
	liquidatePrice, err := c.u128()
	if err != nil {
		return types.Event{}, err
	}
	deadline, err := c.i64()
	if err != nil {
		return types.Event{}, err
	}

	return types.Event{
		Envelope: types.Envelope{Kind: types.KindLongShort, Payer: payer, Mint: mint},
		LongShort: &types.LongShortPayload{
			Side:           side,
			OrderPDA:       orderPDA,
			MarginSol:      margin,
			BorrowSol:      borrow,
			OpenPrice:      openPrice,
			LiquidatePrice: liquidatePrice,
			DeadlineUnix:   deadline,
		},
	}, nil
}

// decodeCloseOrder builds the decoder for ForceLiquidate/FullClose, which
// share a field layout and differ only in which store mutation they trigger
// (Indexer concern, not Codec).
func decodeCloseOrder(kind types.EventKind) func([]byte) (types.Event, error) {
	return func(body []byte) (types.Event, error) {
		c := &cursor{buf: body}
		payer, mint, err := readPayerMint(c)
		if err != nil {
			return types.Event{}, err
		}
		side, err := decodeSide(c)
		if err != nil {
			return types.Event{}, err
		}
		orderPDA, err := c.pubkey()
		if err != nil {
			return types.Event{}, err
		}
		closeProfit, err := c.i128()
		if err != nil {
			return types.Event{}, err
		}
		latestPrice, err := c.u128()
		if err != nil {
			return types.Event{}, err
		}

		payload := &types.CloseOrderPayload{
			Side:        side,
			OrderPDA:    orderPDA,
			CloseProfit: closeProfit,
			LatestPrice: latestPrice,
		}
		evt := types.Event{Envelope: types.Envelope{Kind: kind, Payer: payer, Mint: mint}}
		if kind == types.KindForceLiquidate {
			evt.ForceLiquidate = payload
		} else {
			evt.FullClose = payload
		}
		return evt, nil
	}
}

func decodePartialClose(body []byte) (types.Event, error) {
	c := &cursor{buf: body}
	payer, mint, err := readPayerMint(c)
	if err != nil {
		return types.Event{}, err
	}
	side, err := decodeSide(c)
	if err != nil {
		return types.Event{}, err
	}
	orderPDA, err := c.pubkey()
	if err != nil {
		return types.Event{}, err
	}
	reduceAmount, err := c.u128()
	if err != nil {
		return types.Event{}, err
	}
	closeProfit, err := c.i128()
	if err != nil {
		return types.Event{}, err
	}
	latestPrice, err := c.u128()
	if err != nil {
		return types.Event{}, err
	}

	return types.Event{
		Envelope: types.Envelope{Kind: types.KindPartialClose, Payer: payer, Mint: mint},
		PartialClose: &types.PartialClosePayload{
			Side:         side,
			OrderPDA:     orderPDA,
			ReduceAmount: reduceAmount,
			CloseProfit:  closeProfit,
			LatestPrice:  latestPrice,
		},
	}, nil
}

func decodeMilestoneDiscount(body []byte) (types.Event, error) {
	c := &cursor{buf: body}
	payer, mint, err := readPayerMint(c)
	if err != nil {
		return types.Event{}, err
	}
	idx, err := c.u32()
	if err != nil {
		return types.Event{}, err
	}
	discount, err := c.u16()
	if err != nil {
		return types.Event{}, err
	}

	return types.Event{
		Envelope: types.Envelope{Kind: types.KindMilestoneDiscount, Payer: payer, Mint: mint},
		MilestoneDiscount: &types.MilestoneDiscountPayload{
			MilestoneIndex: idx,
			FeeDiscountBps: discount,
		},
	}, nil
}
