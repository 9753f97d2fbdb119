package indexer

import (
	"fmt"

	"github.com/arkade-os/arkpay-sdk/types"
)

type RequestOption struct {
	page *PageRequest
}

func (o *RequestOption) WithPage(page *PageRequest) {
	o.page = page
}

func (o *RequestOption) GetPage() *PageRequest {
	return o.page
}

type GetVtxosRequestOption struct {
	RequestOption
	scripts         []string
	outpoints       []string
	spentOnly       bool
	spendableOnly   bool
	recoverableOnly bool
}

func (o *GetVtxosRequestOption) WithScripts(scripts []string) error {
	if o.outpoints != nil {
		return fmt.Errorf("outpoints already set, cannot set scripts")
	}
	o.scripts = append(o.scripts, scripts...)
	return nil
}

func (o *GetVtxosRequestOption) GetScripts() []string {
	return o.scripts
}

func (o *GetVtxosRequestOption) WithOutpoints(outpoints []types.Outpoint) error {
	if o.scripts != nil {
		return fmt.Errorf("scripts already set, cannot set outpoints")
	}
	for _, outpoint := range outpoints {
		o.outpoints = append(o.outpoints, outpoint.String())
	}
	return nil
}

func (o *GetVtxosRequestOption) GetOutpoints() []string {
	return o.outpoints
}

func (o *GetVtxosRequestOption) WithSpentOnly() {
	o.spentOnly = true
}

func (o *GetVtxosRequestOption) GetSpentOnly() bool {
	return o.spentOnly
}

func (o *GetVtxosRequestOption) WithSpendableOnly() {
	o.spendableOnly = true
}

func (o *GetVtxosRequestOption) GetSpendableOnly() bool {
	return o.spendableOnly
}

func (o *GetVtxosRequestOption) WithRecoverableOnly() {
	o.recoverableOnly = true
}

func (o *GetVtxosRequestOption) GetRecoverableOnly() bool {
	return o.recoverableOnly
}
