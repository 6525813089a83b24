package flow

// User-facing texts, in Brazilian Portuguese.
const (
	textWelcome = "Olá! 👋 Eu sou seu assistente de rotina.\n\n" +
		"Posso montar um plano para o seu dia, lembrar você de cada atividade e acompanhar o que foi feito.\n\n" +
		"Para começar, me conte como é o seu dia: horários, compromissos e o que você quer encaixar."
	textWelcomeBack = "Oi de novo! 😊 Quer ver sua rotina, ajustar algum horário ou montar um plano novo?"

	textClassifierApology = "Desculpe, não consegui entender sua mensagem agora. Pode tentar de novo em instantes?"
	textWorkflowApology   = "Desculpe, algo deu errado enquanto eu processava seu pedido. Tente novamente daqui a pouco."

	textNoPlan       = "Você ainda não tem uma rotina. Me conte como é o seu dia que eu monto uma para você! 📝"
	textInvalidDraft = "Não consegui montar uma rotina válida com essas informações. 🤔\n\n" +
		"Me diga as atividades com horário (HH:MM) e duração, por exemplo: \"academia às 07:00 por 45 minutos\"."
	textConfirmPrompt = "Está bom assim? Responda *confirmar* para ativar os lembretes ou me diga o que quer ajustar."
	textConfirmed     = "✅ Rotina confirmada! Vou te lembrar de cada atividade todos os dias (%d lembretes ativos)."
	textUnconfirmed   = "Essa rotina ainda não foi confirmada. Responda *confirmar* para ativar os lembretes."

	textUpdated        = "✏️ Rotina atualizada!"
	textEditNoMatch    = "Não encontrei essa atividade na sua rotina. 🔎 Pode dizer o nome ou o horário dela?"
	textEditInvalid    = "Não consegui aplicar essa alteração. Use horários no formato HH:MM e durações em minutos."
	textWhichActivity  = "Qual atividade? Estas são as da sua rotina:"
	textActivityDone   = "🎉 Parabéns por concluir *%s*! Continue assim."
	textActivitySkip   = "Tudo bem! Amanhã é uma nova chance para *%s*. 💪"
	textAlreadyMarked  = "A atividade *%s* já foi marcada hoje como %s."
	textStatusDone     = "concluída"
	textStatusSkipped  = "não concluída"
	textPlansIntro     = "Estes são os planos disponíveis. Escolha um para receber o link de pagamento:"
	textPlansButton    = "Ver planos"
	textPlansTitle     = "Planos"
	textTrialEnded     = "Seu período de teste terminou. ⏳ Para criar e editar rotinas, escolha um dos planos:"
	textPlansStatus    = "Sua assinatura está ativa até %s. 💙"
	textTrialStatus    = "Você está no período de teste até %s."
	textBillingOffline = "As assinaturas estão indisponíveis no momento. Tente novamente mais tarde."
	textCheckout       = "Perfeito! Para assinar o plano *%s* (%s), acesse o link abaixo:\n%s"
	textGoodbye        = "Até mais! 👋 Estarei por aqui quando precisar."
	textDeleted        = "Pronto. Apaguei todos os seus dados e cancelei seus lembretes. Foi um prazer ajudar! 👋"
)
