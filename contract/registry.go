package contract

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Factory rebuilds a contract from its flat data map.
type Factory func(data map[string]string) (Contract, error)

// Registry maps contract type tags to their factories.
type Registry struct {
	lock      sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(contractType string, factory Factory) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.factories[contractType] = factory
}

func (r *Registry) Types() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) ParseContractData(
	contractType string, data map[string]string,
) (Contract, error) {
	r.lock.RLock()
	factory, ok := r.factories[contractType]
	r.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContractType, contractType)
	}
	return factory(data)
}

// Parse decodes the "<type>:<query encoded data>" form returned by
// Contract.String.
func (r *Registry) Parse(s string) (Contract, error) {
	contractType, encoded, ok := strings.Cut(s, ":")
	if !ok || contractType == "" {
		return nil, fmt.Errorf("%w: missing type tag", ErrInvalidContractData)
	}
	values, err := url.ParseQuery(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContractData, err)
	}
	data := make(map[string]string, len(values))
	for k := range values {
		data[k] = values.Get(k)
	}
	return r.ParseContractData(contractType, data)
}

var defaultRegistry = NewRegistry()

func init() {
	defaultRegistry.Register(PaymentContractType, parsePaymentContract)
	defaultRegistry.Register(HashLockedContractType, parseHashLockedContract)
	defaultRegistry.Register(TweakedContractType, parseTweakedContract)
	defaultRegistry.Register(VHTLCContractType, parseVHTLCContract)
	defaultRegistry.Register(NoteContractType, parseNoteContract)
	defaultRegistry.Register(GenericContractType, parseGenericContract)
}

func Register(contractType string, factory Factory) {
	defaultRegistry.Register(contractType, factory)
}

func Parse(s string) (Contract, error) {
	return defaultRegistry.Parse(s)
}

func ParseContractData(contractType string, data map[string]string) (Contract, error) {
	return defaultRegistry.ParseContractData(contractType, data)
}

func encode(c Contract) string {
	values := url.Values{}
	for k, v := range c.GetContractData() {
		if v == "" {
			continue
		}
		values.Set(k, v)
	}
	return c.Type() + ":" + values.Encode()
}

// decodeData maps the flat data onto a tagged raw struct and checks that
// the listed fields are present.
func decodeData(data map[string]string, out any, required ...string) error {
	for _, field := range required {
		if data[field] == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalidContractData, field)
		}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "contract",
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(data); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidContractData, err)
	}
	return nil
}
