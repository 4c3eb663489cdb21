package payment

import (
	"fmt"
	"math/big"
	"time"

	"X402-Relay/internal/eip3009"
	xerrors "X402-Relay/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// DualAuthVerifier 校验 dual-authorization 方案的两份授权：本金腿
// payer→收款人，手续费腿 payer→代付方。验证过程完全离线，不触链；
// 授权 nonce 是否已被兑付由代币合约在结算时裁决。
type DualAuthVerifier struct {
	codec   *eip3009.Codec
	relayer common.Address
}

// NewDualAuthVerifier 创建 dual-authorization 策略的验证器。
func NewDualAuthVerifier(codec *eip3009.Codec, relayer common.Address) *DualAuthVerifier {
	return &DualAuthVerifier{codec: codec, relayer: relayer}
}

// Verify 按固定顺序逐项校验，每种失败返回独立的原因，便于客户端修正。
func (v *DualAuthVerifier) Verify(proof *DualAuthorizationProof, payer, mainTo common.Address, mainValue, feeValue *big.Int) error {
	if proof == nil {
		return xerrors.New(xerrors.CodeMalformedProof, "missing dual-authorization payload")
	}

	// 1. 两份授权的 from 必须都是声明的付款人。
	mainFrom, err := proof.AuthMain.FromAddress()
	if err != nil {
		return xerrors.Wrap(xerrors.CodePaymentRejected, err, "invalid auth_main from address")
	}
	feeFrom, err := proof.AuthFee.FromAddress()
	if err != nil {
		return xerrors.Wrap(xerrors.CodePaymentRejected, err, "invalid auth_fee from address")
	}
	if mainFrom != payer {
		return xerrors.New(xerrors.CodePaymentRejected, "auth_main from does not match declared payer")
	}
	if feeFrom != payer {
		return xerrors.New(xerrors.CodePaymentRejected, "auth_fee from does not match declared payer")
	}

	// 2. 收款地址：主腿到声明的收款人，手续费腿到代付方。
	to, err := proof.AuthMain.ToAddress()
	if err != nil {
		return xerrors.Wrap(xerrors.CodePaymentRejected, err, "invalid auth_main to address")
	}
	if to != mainTo {
		return xerrors.New(xerrors.CodePaymentRejected, "auth_main to does not match declared recipient")
	}
	feeTo, err := proof.AuthFee.ToAddress()
	if err != nil {
		return xerrors.Wrap(xerrors.CodePaymentRejected, err, "invalid auth_fee to address")
	}
	if feeTo != v.relayer {
		return xerrors.New(xerrors.CodePaymentRejected, "auth_fee to does not match relayer address")
	}

	// 3. 金额必须与要求精确一致，不设容差。
	value, err := proof.AuthMain.ValueInt()
	if err != nil {
		return xerrors.Wrap(xerrors.CodePaymentRejected, err, "invalid auth_main value")
	}
	if value.Cmp(mainValue) != 0 {
		return xerrors.New(xerrors.CodePaymentRejected,
			fmt.Sprintf("auth_main value %s does not equal expected principal %s", value, mainValue))
	}
	fee, err := proof.AuthFee.ValueInt()
	if err != nil {
		return xerrors.Wrap(xerrors.CodePaymentRejected, err, "invalid auth_fee value")
	}
	if fee.Cmp(feeValue) != 0 {
		return xerrors.New(xerrors.CodePaymentRejected,
			fmt.Sprintf("auth_fee value %s does not equal expected fee %s", fee, feeValue))
	}

	// 4. 签名结构完整性（v/r/s 取值与字节长度）。
	if _, _, _, err := proof.AuthMain.SignatureParts(); err != nil {
		return xerrors.Wrap(xerrors.CodePaymentRejected, err, "malformed auth_main signature")
	}
	if _, _, _, err := proof.AuthFee.SignatureParts(); err != nil {
		return xerrors.Wrap(xerrors.CodePaymentRejected, err, "malformed auth_fee signature")
	}

	// 5. 有效期窗口必须覆盖当前时刻，过期的授权不值得送上链。
	now := time.Now().Unix()
	for name, auth := range map[string]eip3009.Authorization{"auth_main": proof.AuthMain, "auth_fee": proof.AuthFee} {
		validAfter, validBefore, err := auth.Window()
		if err != nil {
			return xerrors.Wrap(xerrors.CodePaymentRejected, err, fmt.Sprintf("invalid %s validity window", name))
		}
		if validAfter >= validBefore {
			return xerrors.New(xerrors.CodePaymentRejected, fmt.Sprintf("%s validity window is empty", name))
		}
		if now < validAfter {
			return xerrors.New(xerrors.CodePaymentRejected, fmt.Sprintf("%s is not yet valid", name))
		}
		if now >= validBefore {
			return xerrors.New(xerrors.CodePaymentRejected, fmt.Sprintf("%s has expired", name))
		}
		if _, err := auth.NonceBytes(); err != nil {
			return xerrors.Wrap(xerrors.CodePaymentRejected, err, fmt.Sprintf("invalid %s nonce", name))
		}
	}

	// 6. 本地恢复签名人，提前拦截签错域或签错人的授权。
	// 链上合约才是最终裁决者，这里只是省一次白花的 gas。
	signer, err := v.codec.RecoverSigner(proof.AuthMain)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePaymentRejected, err, "auth_main signature recovery failed")
	}
	if signer != payer {
		return xerrors.New(xerrors.CodePaymentRejected, "auth_main signer does not match payer")
	}
	signer, err = v.codec.RecoverSigner(proof.AuthFee)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePaymentRejected, err, "auth_fee signature recovery failed")
	}
	if signer != payer {
		return xerrors.New(xerrors.CodePaymentRejected, "auth_fee signer does not match payer")
	}

	return nil
}
