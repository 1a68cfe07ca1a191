package tools

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// MemoryStore keeps business records in process. It backs dev mode and
// tests, and also serves as the identity directory over the same records.
type MemoryStore struct {
	mu           sync.Mutex
	customers    map[string][]CustomerRecord
	orders       map[string][]OrderRecord
	products     map[string][]Product
	callbacks    []CallbackRequest
	appointments []Appointment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		customers: map[string][]CustomerRecord{},
		orders:    map[string][]OrderRecord{},
		products:  map[string][]Product{},
	}
}

func (m *MemoryStore) AddCustomer(businessID string, c CustomerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[businessID] = append(m.customers[businessID], c)
}

func (m *MemoryStore) AddOrder(businessID string, o OrderRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[businessID] = append(m.orders[businessID], o)
}

func (m *MemoryStore) AddProduct(businessID string, p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[businessID] = append(m.products[businessID], p)
}

func (m *MemoryStore) Callbacks() []CallbackRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallbackRequest, len(m.callbacks))
	copy(out, m.callbacks)
	return out
}

func (m *MemoryStore) OrderByNumber(_ context.Context, businessID, orderNumber string) (OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders[businessID] {
		if strings.EqualFold(o.OrderNumber, orderNumber) {
			return o, nil
		}
	}
	return OrderRecord{}, ErrNotFound
}

func (m *MemoryStore) OrdersByCustomer(_ context.Context, businessID, customerID string) ([]OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OrderRecord
	for _, o := range m.orders[businessID] {
		if o.CustomerID != "" && o.CustomerID == customerID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MemoryStore) CustomersByPhone(_ context.Context, businessID string, variants []string) ([]CustomerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := toSet(variants)
	var out []CustomerRecord
	for _, c := range m.customers[businessID] {
		if _, ok := set[c.Phone]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) Customer(_ context.Context, businessID, id string) (CustomerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.customers[businessID] {
		if c.ID == id {
			return c, nil
		}
	}
	return CustomerRecord{}, ErrNotFound
}

func (m *MemoryStore) CreateOrGetPending(_ context.Context, req CallbackRequest, window time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := req.RequestedAt.Add(-window)
	for i := len(m.callbacks) - 1; i >= 0; i-- {
		c := m.callbacks[i]
		if c.BusinessID == req.BusinessID &&
			c.CustomerPhone == req.CustomerPhone &&
			c.TopicHash == req.TopicHash &&
			c.Status == statusPending &&
			c.RequestedAt.After(cutoff) {
			return c.ID, false, nil
		}
	}
	m.callbacks = append(m.callbacks, req)
	return req.ID, true, nil
}

func (m *MemoryStore) Book(_ context.Context, a Appointment) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.appointments {
		if b.BusinessID == a.BusinessID && b.Status == "BOOKED" && b.StartsAt.Equal(a.StartsAt) {
			return "", ErrSlotTaken
		}
	}
	m.appointments = append(m.appointments, a)
	return a.ID, nil
}

func (m *MemoryStore) SearchProducts(_ context.Context, businessID, query string, limit int) ([]Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLowerSpecial(unicode.TurkishCase, strings.TrimSpace(query))
	var out []Product
	for _, p := range m.products[businessID] {
		if strings.Contains(strings.ToLowerSpecial(unicode.TurkishCase, p.Name), q) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// identity.Directory

func (m *MemoryStore) CustomerIDsByEmail(_ context.Context, businessID, email string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.customers[businessID] {
		if c.Email != "" && strings.EqualFold(c.Email, email) {
			out = append(out, c.ID)
		}
	}
	return out, nil
}

func (m *MemoryStore) CustomerIDsByPhone(_ context.Context, businessID string, variants []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := toSet(variants)
	var out []string
	for _, c := range m.customers[businessID] {
		if _, ok := set[c.Phone]; ok {
			out = append(out, c.ID)
		}
	}
	return out, nil
}

func (m *MemoryStore) OrderIDsByPhone(_ context.Context, businessID string, variants []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := toSet(variants)
	var out []string
	for _, o := range m.orders[businessID] {
		if _, ok := set[o.CustomerPhone]; ok {
			out = append(out, o.ID)
		}
	}
	return out, nil
}

func toSet(ss []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		out[s] = struct{}{}
	}
	return out
}
