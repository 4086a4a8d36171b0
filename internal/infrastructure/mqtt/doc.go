// Package mqtt provides MQTT client connectivity for Chronicle.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Chronicle uses MQTT as its ingest bus. Producers publish state-change
// events to chronicle/event/state; the recorder subscribes there and
// persists them in arrival order. Chronicle publishes its own signals
// back onto the bus: a retained liveness payload on
// chronicle/system/status and a commit signal on
// chronicle/recorder/committed after each batched flush.
//
//	Event producers -> MQTT Broker -> Chronicle recorder
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.EventState(), 1,
//	    func(topic string, payload []byte) error {
//	        var ev recorder.Event
//	        if err := json.Unmarshal(payload, &ev); err != nil {
//	            return err
//	        }
//	        return engine.Record(ev)
//	    })
package mqtt
