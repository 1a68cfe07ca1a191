package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/messages"
)

const CreateAppointment = "create_appointment"

type appointmentHandler struct {
	store AppointmentStore
	cat   *messages.Catalog
	loc   *time.Location
	now   func() time.Time
}

func NewAppointmentHandler(store AppointmentStore, cat *messages.Catalog, loc *time.Location) Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &appointmentHandler{store: store, cat: cat, loc: loc, now: time.Now}
}

func (h *appointmentHandler) Name() string { return CreateAppointment }

func (h *appointmentHandler) Definition() Definition {
	return Definition{
		Name:        CreateAppointment,
		Description: "Books an appointment for the customer.",
		Parameters: []Parameter{
			{Name: "customer_name", Type: "string", Required: true},
			{Name: "phone", Type: "string", Required: true},
			{Name: "date", Type: "string", Required: true, Description: "YYYY-MM-DD"},
			{Name: "time", Type: "string", Required: true, Description: "HH:MM, 24h"},
			{Name: "service", Type: "string"},
		},
		Mutating: true,
	}
}

func (h *appointmentHandler) Execute(ctx context.Context, raw map[string]any, biz Business, cc CallContext) Result {
	opts := messages.Options{Language: cc.Language, Channel: string(cc.Channel), SeedHint: cc.SessionID}

	args, invalid := bind[AppointmentArgs](raw)
	if invalid != nil {
		return invalidArgs(h.cat, invalid, cc.Language)
	}

	startsAt, err := time.ParseInLocation("2006-01-02 15:04", args.Date+" "+args.Time, h.loc)
	if err != nil {
		return invalidArgs(h.cat, []string{"date", "time"}, cc.Language)
	}
	if !startsAt.After(h.now()) {
		return ValidationError(h.cat.Get("appointment.past_date", opts).Text, "date")
	}

	id, err := h.store.Book(ctx, Appointment{
		ID:            uuid.NewString(),
		BusinessID:    biz.ID,
		CustomerName:  args.CustomerName,
		CustomerPhone: identity.NationalNumber(args.Phone),
		Service:       args.Service,
		StartsAt:      startsAt,
		Status:        "BOOKED",
	})
	if errors.Is(err, ErrSlotTaken) {
		return ValidationError(h.cat.Get("appointment.slot_taken", opts).Text, "time")
	}
	if err != nil {
		return InfraError(fmt.Errorf("book appointment: %w", err))
	}

	data := map[string]any{"appointment_id": id, "date": args.Date, "time": args.Time}
	return OK(data, h.cat.Render("appointment.booked", opts, map[string]string{
		"date": args.Date,
		"time": args.Time,
	}))
}
