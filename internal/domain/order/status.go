package order

// Channel is the sales channel an order came through.
type Channel string

const (
	// ChannelInPerson is a point-of-sale sale settled at the counter.
	ChannelInPerson Channel = "in_person"
	// ChannelWeb is the web storefront.
	ChannelWeb Channel = "web"
	// ChannelChat is a chat-bot conversation settled asynchronously.
	ChannelChat Channel = "chat"
	// ChannelMarketplace is an external marketplace integration.
	ChannelMarketplace Channel = "marketplace"
)

// Status is the order workflow state.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusConfirmed      Status = "confirmed"
	StatusDelivered      Status = "delivered"
)

// InitialStatus picks the creation status for a channel. In-person sales are
// handed over immediately; chat sales wait for payment; anything else is
// confirmed.
func InitialStatus(ch Channel) Status {
	switch ch {
	case ChannelInPerson:
		return StatusDelivered
	case ChannelChat:
		return StatusPendingPayment
	default:
		return StatusConfirmed
	}
}
