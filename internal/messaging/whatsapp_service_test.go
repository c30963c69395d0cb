package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/whatsapp"
)

func TestWhatsAppService_ImplementsService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
}

func TestWhatsAppService_SendMessage_Receipt(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.SendMessage(context.Background(), "+1 555 123 4567", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "15551234567" {
			t.Errorf("expected receipt.To 15551234567, got %s", receipt.To)
		}
		if receipt.Status != models.MessageStatusSent {
			t.Errorf("expected receipt.Status %s, got %s", models.MessageStatusSent, receipt.Status)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if receipt, ok := <-svc.Receipts(); ok {
		t.Errorf("expected receipts channel closed, got value %v", receipt)
	}
	if response, ok := <-svc.Responses(); ok {
		t.Errorf("expected responses channel closed, got value %v", response)
	}
	if err := svc.SendMessage(context.Background(), "15551234567", "late"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("err = %v, want ErrServiceStopped", err)
	}
}
