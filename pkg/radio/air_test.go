package radio

import (
	"context"
	"testing"
	"time"

	"github.com/Krajiyah/ble-p2p/pkg/models"
	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

const testWait = 2 * time.Second

func packetOf(id models.PeerIdentity) models.AdvertisingPacket {
	return models.AdvertisingPacket{Identity: id, ServiceUUID: util.MainServiceUUID, Interval: 10 * time.Millisecond}
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b, ok := <-ch:
		assert.Assert(t, ok, "channel closed")
		return b
	case <-time.After(testWait):
		t.Fatal("timed out waiting for value")
	}
	return nil
}

func connectPair(t *testing.T, air *Air) (Link, Link) {
	a := air.NewRadio(models.NewPeerIdentity())
	bID := models.NewPeerIdentity()
	b := air.NewRadio(bID)
	assert.NilError(t, b.StartAdvertising(context.Background(), packetOf(bID)))
	central, err := a.Connect(context.Background(), bID)
	assert.NilError(t, err)
	var peripheral Link
	select {
	case peripheral = <-b.Incoming():
	case <-time.After(testWait):
		t.Fatal("no incoming link")
	}
	assert.Equal(t, central.RemoteAddr(), b.Addr())
	assert.Equal(t, peripheral.RemoteAddr(), a.Addr())
	return central, peripheral
}

func TestAdvertiseAndScan(t *testing.T) {
	air := NewAir(DefaultAirConfig())
	aID, bID := models.NewPeerIdentity(), models.NewPeerIdentity()
	a, b := air.NewRadio(aID), air.NewRadio(bID)
	air.SetRSSI(aID, bID, -42)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.StartScanning(ctx, util.MainServiceUUID)
	assert.NilError(t, err)
	assert.NilError(t, a.StartAdvertising(ctx, packetOf(aID)))
	assert.Assert(t, a.IsAdvertising())
	select {
	case adv := <-ch:
		assert.Equal(t, adv.Identity, aID)
		assert.Equal(t, adv.RSSI, -42)
		assert.Equal(t, adv.Addr, a.Addr())
	case <-time.After(testWait):
		t.Fatal("no advertisement")
	}
	assert.NilError(t, a.StopAdvertising())
	assert.Assert(t, !a.IsAdvertising())
	cancel()
	for range ch {
	}
}

func TestScanFiltersService(t *testing.T) {
	air := NewAir(DefaultAirConfig())
	aID := models.NewPeerIdentity()
	a, b := air.NewRadio(aID), air.NewRadio(models.NewPeerIdentity())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.StartScanning(ctx, util.MessageCharUUID)
	assert.NilError(t, err)
	assert.NilError(t, a.StartAdvertising(ctx, packetOf(aID)))
	select {
	case adv := <-ch:
		t.Fatalf("unexpected advertisement %v", adv)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInterruptScans(t *testing.T) {
	air := NewAir(DefaultAirConfig())
	r := air.NewRadio(models.NewPeerIdentity())
	ch, err := r.StartScanning(context.Background(), util.MainServiceUUID)
	assert.NilError(t, err)
	r.InterruptScans()
	_, ok := <-ch
	assert.Assert(t, !ok)
}

func TestConnectAndExchange(t *testing.T) {
	air := NewAir(DefaultAirConfig())
	central, peripheral := connectPair(t, air)
	assert.Equal(t, central.MTU(), util.MTU)
	fromCentral, err := peripheral.Subscribe()
	assert.NilError(t, err)
	fromPeripheral, err := central.Subscribe()
	assert.NilError(t, err)

	assert.NilError(t, central.Write(context.Background(), []byte("ping")))
	assert.DeepEqual(t, receive(t, fromCentral), []byte("ping"))
	assert.NilError(t, peripheral.Write(context.Background(), []byte("pong")))
	assert.DeepEqual(t, receive(t, fromPeripheral), []byte("pong"))
}

func TestWriteExceedsMTU(t *testing.T) {
	air := NewAir(AirConfig{MTU: util.MinMTU})
	central, _ := connectPair(t, air)
	err := central.Write(context.Background(), make([]byte, util.MinMTU-util.ATTWriteOverhead+1))
	assert.ErrorContains(t, err, "exceeds mtu")
	assert.NilError(t, central.Write(context.Background(), make([]byte, util.MinMTU-util.ATTWriteOverhead)))
}

func TestDisconnect(t *testing.T) {
	air := NewAir(DefaultAirConfig())
	central, peripheral := connectPair(t, air)
	fromCentral, err := peripheral.Subscribe()
	assert.NilError(t, err)
	assert.NilError(t, central.Disconnect())
	assert.NilError(t, peripheral.Disconnect())
	select {
	case <-peripheral.Disconnected():
	case <-time.After(testWait):
		t.Fatal("peripheral not disconnected")
	}
	_, ok := <-fromCentral
	assert.Assert(t, !ok)
	assert.Equal(t, errors.Cause(central.Write(context.Background(), []byte("x"))), models.ErrDisconnected)
	assert.Equal(t, air.Disconnects(), 1)
}

func TestConnectUnknownPeer(t *testing.T) {
	air := NewAir(DefaultAirConfig())
	a := air.NewRadio(models.NewPeerIdentity())
	silentID := models.NewPeerIdentity()
	air.NewRadio(silentID)
	_, err := a.Connect(context.Background(), silentID)
	assert.Equal(t, errors.Cause(err), models.ErrUnknownPeer)
	_, err = a.Connect(context.Background(), models.NewPeerIdentity())
	assert.Equal(t, errors.Cause(err), models.ErrUnknownPeer)
	assert.Equal(t, a.Connects(), 2)
}

func TestConnectDelayHonoursContext(t *testing.T) {
	air := NewAir(AirConfig{MTU: util.MTU, ConnectDelay: time.Hour})
	a := air.NewRadio(models.NewPeerIdentity())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Connect(ctx, models.NewPeerIdentity())
	assert.Equal(t, err, context.DeadlineExceeded)
}

func TestFaults(t *testing.T) {
	air := NewAir(DefaultAirConfig())
	id := models.NewPeerIdentity()
	r := air.NewRadio(id)
	r.SetAdvertiseFault(func() error { return models.ErrRadioUnavailable })
	assert.Equal(t, r.StartAdvertising(context.Background(), packetOf(id)), models.ErrRadioUnavailable)
	assert.Assert(t, !r.IsAdvertising())
	r.SetConnectFault(func(models.PeerIdentity) error { return models.ErrRadioUnavailable })
	_, err := r.Connect(context.Background(), models.NewPeerIdentity())
	assert.Equal(t, err, models.ErrRadioUnavailable)
}

func TestCloseTearsDownLinks(t *testing.T) {
	air := NewAir(DefaultAirConfig())
	a := air.NewRadio(models.NewPeerIdentity())
	bID := models.NewPeerIdentity()
	b := air.NewRadio(bID)
	assert.NilError(t, b.StartAdvertising(context.Background(), packetOf(bID)))
	central, err := a.Connect(context.Background(), bID)
	assert.NilError(t, err)
	assert.NilError(t, b.Close())
	select {
	case <-central.Disconnected():
	case <-time.After(testWait):
		t.Fatal("link survived close")
	}
	_, err = a.Connect(context.Background(), bID)
	assert.Equal(t, errors.Cause(err), models.ErrUnknownPeer)
}
