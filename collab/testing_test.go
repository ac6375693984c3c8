package collab

import (
	"encoding/json"
	"errors"
	"flag"
	"sync"
)

func errorsAs(err error, target any) bool {
	return errors.As(err, target)
}

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// testWriter records everything a subscriber connection would send.
type testWriter struct {
	stateLock sync.Mutex
	messages  []*Message
	closed    bool
}

func newTestWriter() *testWriter {
	return &testWriter{
		messages: []*Message{},
	}
}

func (self *testWriter) WriteMessage(message *Message) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closed {
		return false
	}
	self.messages = append(self.messages, message)
	return true
}

func (self *testWriter) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.closed = true
}

func (self *testWriter) Messages() []*Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]*Message{}, self.messages...)
}

func (self *testWriter) MessagesOfType(messageType MessageType) []*Message {
	messages := []*Message{}
	for _, message := range self.Messages() {
		if message.Type == messageType {
			messages = append(messages, message)
		}
	}
	return messages
}

func (self *testWriter) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.messages = []*Message{}
}

func testSnapshot(version int64) *DocumentSnapshot {
	return &DocumentSnapshot{
		DocumentId:     NewId(),
		Content:        json.RawMessage(`[]`),
		Version:        version,
		ContentVersion: version,
	}
}

// appendApplier treats content as a json array and appends each step.
// Gives tests a deterministic, observable content transform.
func appendApplier() ContentApplier {
	return ContentApplierFunc(func(content json.RawMessage, steps []json.RawMessage) (json.RawMessage, bool, error) {
		arr := []json.RawMessage{}
		if err := json.Unmarshal(content, &arr); err != nil {
			return nil, false, err
		}
		arr = append(arr, steps...)
		data, err := json.Marshal(arr)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	})
}

func testSteps(values ...string) []json.RawMessage {
	steps := []json.RawMessage{}
	for _, value := range values {
		steps = append(steps, json.RawMessage(`{"op":"`+value+`"}`))
	}
	return steps
}
