package chain

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type stubCaller struct {
	gotMsg ethereum.CallMsg
	out    []byte
	err    error
}

func (s *stubCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	s.gotMsg = msg
	return s.out, s.err
}

func TestBalanceOfEncodesCallAndDecodesResult(t *testing.T) {
	token := common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	holder := common.HexToAddress("0x1111111111111111111111111111111111111111")

	want := big.NewInt(1_234_567)
	stub := &stubCaller{out: common.LeftPadBytes(want.Bytes(), 32)}
	a := NewAuditor(stub)

	got, err := a.BalanceOf(context.Background(), token, holder)
	if err != nil {
		t.Fatalf("balanceOf: %v", err)
	}
	if got.Cmp(want) != 0 {
		t.Fatalf("balance = %s, want %s", got, want)
	}

	if stub.gotMsg.To == nil || *stub.gotMsg.To != token {
		t.Fatal("call not addressed to the token contract")
	}
	if !bytes.Equal(stub.gotMsg.Data[:4], erc20BalanceOfSelector) {
		t.Fatal("wrong function selector")
	}
	if !bytes.Equal(stub.gotMsg.Data[4:], common.LeftPadBytes(holder.Bytes(), 32)) {
		t.Fatal("holder not encoded as padded argument")
	}
}

func TestBalanceOfEmptyResult(t *testing.T) {
	a := NewAuditor(&stubCaller{out: nil})
	if _, err := a.BalanceOf(context.Background(), common.Address{1}, common.Address{2}); err == nil {
		t.Fatal("empty result accepted")
	}
}
