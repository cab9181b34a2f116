package validator

import "testing"

type line struct {
	NetworkCode   string `json:"network_code" validate:"required,network_code"`
	ReceiverPhone string `json:"receiver_phone" validate:"required,phone"`
	Amount        int64  `json:"amount" validate:"required,gt=0"`
}

type basket struct {
	Items []line `json:"items" validate:"required,min=1,dive"`
}

func TestValidateReportsNestedFieldsByJSONName(t *testing.T) {
	errs := Validate(basket{Items: []line{
		{NetworkCode: "mtn", ReceiverPhone: "+233241234567", Amount: 5},
		{NetworkCode: "ACME", ReceiverPhone: "12ab", Amount: 0},
	}})

	for _, field := range []string{"items[1].network_code", "items[1].receiver_phone", "items[1].amount"} {
		if _, ok := errs[field]; !ok {
			t.Fatalf("expected an error for %s, got %v", field, errs)
		}
	}
	if _, ok := errs["items[0].network_code"]; ok {
		t.Fatalf("lower-case network code should be accepted: %v", errs)
	}
}

func TestValidateAcceptsValidInput(t *testing.T) {
	if errs := Validate(basket{Items: []line{{NetworkCode: "VODAFONE", ReceiverPhone: "0201234567", Amount: 1}}}); errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
}
