package tools

// SeedDemo fills m with the records dev mode serves for businessID.
func SeedDemo(m *MemoryStore, businessID string) {
	m.AddCustomer(businessID, CustomerRecord{
		ID:       "cus-1001",
		Name:     "Ayşe Yılmaz",
		Email:    "ayse@example.com",
		Phone:    "5321234567",
		Balance:  1250.5,
		Currency: "TRY",
	})
	m.AddCustomer(businessID, CustomerRecord{
		ID:       "cus-1002",
		Name:     "Mehmet Demir",
		Email:    "mehmet@example.com",
		Phone:    "05339876543",
		Currency: "TRY",
	})
	m.AddOrder(businessID, OrderRecord{
		ID:            "ord-1",
		OrderNumber:   "ORD-9837459",
		CustomerID:    "cus-1001",
		CustomerName:  "Ayşe Yılmaz",
		CustomerPhone: "5321234567",
		Status:        "kargoda",
	})
	m.AddOrder(businessID, OrderRecord{
		ID:            "ord-2",
		OrderNumber:   "ORD-1200001",
		CustomerName:  "Misafir",
		CustomerPhone: "905441112233",
		Status:        "hazırlanıyor",
	})
	m.AddProduct(businessID, Product{ID: "p-1", Name: "Kablosuz Kulaklık", Price: 1499.9, Currency: "TRY", InStock: true})
	m.AddProduct(businessID, Product{ID: "p-2", Name: "Kulaklık Standı", Price: 249, Currency: "TRY", InStock: false})
}
