package relay

import "context"

// Serve drives one connection end to end: it joins conn into the hub,
// dispatches every inbound ClientEdit until the connection closes or ctx
// is cancelled, and always leaves the hub on the way out.
func (h *Hub) Serve(ctx context.Context, conn Conn) error {
	id, err := h.Join(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}
	defer h.Leave(context.Background(), id)
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-conn.Err():
			if ok {
				return err
			}
		case msg, ok := <-conn.Messages():
			if !ok {
				return nil
			}
			if msg.ClientEdit != nil {
				h.HandleClientEdit(ctx, id, msg.ClientEdit)
			}
		}
	}
}
