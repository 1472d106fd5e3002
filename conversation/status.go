package conversation

import "gosession/models"

// DeriveStatus computes the displayed status of a message from its
// acknowledgement sets and errors.
func DeriveStatus(message *models.Message, readReceiptsEnabled bool) models.MessageStatus {
	switch {
	case message.HasErrors():
		return models.StatusError
	case message.IsIncoming():
		return models.StatusNone
	case len(message.ReadBy) > 0 && readReceiptsEnabled:
		return models.StatusRead
	case len(message.DeliveredTo) > 0:
		return models.StatusDelivered
	case len(message.SentTo) > 0:
		return models.StatusSent
	case message.CalculatingPoW:
		return models.StatusPoW
	default:
		return models.StatusSending
	}
}
