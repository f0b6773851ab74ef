package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/gosnmp/gosnmp"

	apperrors "github.com/pulsegrid/pulse/internal/errors"
	"github.com/pulsegrid/pulse/internal/models"
)

const (
	// snmpTrapOID is the standard varbind naming the trap being sent.
	snmpTrapOID = "1.3.6.1.6.3.1.1.4.1.0"

	// defaultOIDPrefix is the enterprise arc used when the channel does not
	// configure its own. The trap OID is <prefix>.0.1 and the alert fields
	// are <prefix>.2.N.
	defaultOIDPrefix = "1.3.6.1.4.1.8072.2.3"

	defaultTrapPort = 162
)

// SNMPSender emits alert events as SNMPv2c traps. Channel config keys:
// host (required), port (default 162), community (default public),
// oid_prefix (optional).
type SNMPSender struct{}

// NewSNMPSender returns a trap sender.
func NewSNMPSender() *SNMPSender {
	return &SNMPSender{}
}

// Send implements Sender. Traps ride UDP, so a clean send only proves the
// datagram left this host; errors here are connection or marshal failures
// and are always worth retrying.
func (s *SNMPSender) Send(ctx context.Context, channel *models.NotificationChannel, payload *models.JobPayload) (string, error) {
	host := channel.Config.String("host")
	if host == "" {
		return "config_invalid", apperrors.NewDeliveryError("snmp", false, errors.New("channel config has no host"))
	}
	community := channel.Config.String("community")
	if community == "" {
		community = "public"
	}
	oid := channel.Config.String("oid_prefix")
	if oid == "" {
		oid = defaultOIDPrefix
	}

	conn := &gosnmp.GoSNMP{
		Context:   ctx,
		Target:    host,
		Port:      uint16(channel.Config.Int("port", defaultTrapPort)),
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   5 * time.Second,
		Retries:   1,
	}
	if err := conn.Connect(); err != nil {
		return "connect_error", apperrors.NewDeliveryError("snmp", true, err)
	}
	defer conn.Conn.Close()

	ev := payload.Event
	trap := gosnmp.SnmpTrap{
		Variables: []gosnmp.SnmpPDU{
			{Name: snmpTrapOID, Type: gosnmp.ObjectIdentifier, Value: oid + ".0.1"},
			{Name: oid + ".2.1", Type: gosnmp.OctetString, Value: ev.AlertID},
			{Name: oid + ".2.2", Type: gosnmp.OctetString, Value: string(ev.Event)},
			{Name: oid + ".2.3", Type: gosnmp.OctetString, Value: string(ev.AlertType)},
			{Name: oid + ".2.4", Type: gosnmp.Integer, Value: ev.Severity},
			{Name: oid + ".2.5", Type: gosnmp.OctetString, Value: ev.DeviceID},
			{Name: oid + ".2.6", Type: gosnmp.OctetString, Value: ev.Summary},
		},
	}
	if _, err := conn.SendTrap(trap); err != nil {
		return "trap_error", apperrors.NewDeliveryError("snmp", true, err)
	}
	return "trap_sent", nil
}
