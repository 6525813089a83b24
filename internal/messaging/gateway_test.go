package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/metrics"
	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/RoutinePipe/internal/whatsapp"
	"github.com/prometheus/client_golang/prometheus"
)

var testList = models.InteractiveList{
	Title:      "Academia",
	Body:       "Você concluiu a atividade?",
	ButtonText: "Responder",
	Options: []models.ListOption{
		{ID: "done:a1", Title: "Sim, concluí"},
		{ID: "notdone:a1", Title: "Não consegui"},
	},
}

func TestGatewaySendListNative(t *testing.T) {
	client := whatsapp.NewMockClient()
	gw := NewGateway(NewWhatsAppService(client))
	if err := gw.SendList(context.Background(), "5511999999999", testList); err != nil {
		t.Fatalf("SendList: %v", err)
	}
	sent := client.Messages()
	if len(sent) != 1 || sent[0].List == nil || len(sent[0].List.Options) != 2 {
		t.Fatalf("expected native list, got %+v", sent)
	}
	if got := gw.ResolveReply("5511999999999", "1"); got != "1" {
		t.Errorf("numeric reply resolved without a text fallback: %q", got)
	}
}

func TestGatewaySendListFallsBackToNumberedText(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	gw := NewGateway(NewTwilioService(client))
	ctx := context.Background()
	if err := gw.SendList(ctx, "5511999999999", testList); err != nil {
		t.Fatalf("SendList: %v", err)
	}
	sent := client.Messages()
	if len(sent) != 1 {
		t.Fatalf("expected one text message, got %d", len(sent))
	}
	if !strings.Contains(sent[0].Body, "1. Sim, concluí") || !strings.Contains(sent[0].Body, "2. Não consegui") {
		t.Errorf("unexpected fallback text:\n%s", sent[0].Body)
	}

	if got := gw.ResolveReply("5511888888888", "2"); got != "2" {
		t.Errorf("options leaked to another user: %q", got)
	}
	if got := gw.ResolveReply("5511999999999", "7"); got != "7" {
		t.Errorf("out of range reply resolved: %q", got)
	}
	if got := gw.ResolveReply("5511999999999", " 2 "); got != "notdone:a1" {
		t.Errorf("ResolveReply = %q, want notdone:a1", got)
	}
	if got := gw.ResolveReply("5511999999999", "2"); got != "2" {
		t.Errorf("options should be consumed after one reply, got %q", got)
	}
}

func TestGatewaySendWrapsDeliveryError(t *testing.T) {
	client := whatsapp.NewMockClient()
	client.SendErr = errors.New("offline")
	gw := NewGateway(NewWhatsAppService(client))
	err := gw.Send(context.Background(), "5511999999999", "oi")
	var de *models.DeliveryError
	if !errors.As(err, &de) || de.To != "5511999999999" {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
}

func TestGatewayForgetsOptionsAfterTTL(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	gw := NewGateway(NewTwilioService(client), WithOptionMemory(10, 30*time.Millisecond))
	if err := gw.SendList(context.Background(), "5511999999999", testList); err != nil {
		t.Fatalf("SendList: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := gw.ResolveReply("5511999999999", "1"); got != "1" {
		t.Errorf("expired options still resolved: %q", got)
	}
}

func TestGatewayCountsDeliveries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	gw := NewGateway(NewTwilioService(twiliowhatsapp.NewMockClient()), WithDeliveryMetrics(m))
	if err := gw.SendList(context.Background(), "5511999999999", testList); err != nil {
		t.Fatalf("SendList: %v", err)
	}
	if err := gw.Send(context.Background(), "5511999999999", "oi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	seen := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "routinepipe_gateway_deliveries_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			var kind, result string
			for _, l := range metric.GetLabel() {
				switch l.GetName() {
				case "kind":
					kind = l.GetValue()
				case "result":
					result = l.GetValue()
				}
			}
			seen[kind+"/"+result] = metric.GetCounter().GetValue()
		}
	}
	for _, key := range []string{"list/failed", "list_fallback/ok", "text/ok"} {
		if seen[key] != 1 {
			t.Errorf("%s = %v, want 1 (all: %v)", key, seen[key], seen)
		}
	}
}
